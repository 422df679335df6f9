package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cts/internal/compiler"
	"github.com/roach88/cts/internal/ir"
)

// Scenario defines a conformance test scenario.
// A scenario realizes a forrest, drives it through a list of steps and
// asserts on the resulting trees, transforms and journal.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Spec is the path of a CUE file holding a forrest block.
	// Relative paths resolve against the scenario file.
	Spec string `yaml:"spec,omitempty"`

	// Forrest is an inline forrest spec, written with the same field names
	// as the JSON form of ir.ForrestSpec. Exclusive with Spec.
	Forrest yaml.Node `yaml:"forrest,omitempty"`

	// GUIDPrefix numbers transforms prefix-1, prefix-2, ... Defaults to "t".
	GUIDPrefix string `yaml:"guid_prefix,omitempty"`

	// Mock resolves every commit without journaling it.
	Mock bool `yaml:"mock,omitempty"`

	// Steps run in order against the forrest.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final forrest and journal.
	Assertions []Assertion `yaml:"assertions"`

	// ForrestSpec is the resolved forrest. LoadScenario fills it from Spec
	// or Forrest; scenarios built in code set it directly.
	ForrestSpec *ir.ForrestSpec `yaml:"-"`

	// BaseDir resolves relative tree URLs. LoadScenario sets it to the
	// scenario file's directory.
	BaseDir string `yaml:"-"`
}

// Target names the nodes a step or assertion acts on.
type Target struct {
	Tree     string `yaml:"tree"`
	Selector string `yaml:"selector,omitempty"`
}

// Step is one action against the forrest. Exactly one action field is set.
type Step struct {
	SetValue        *SetValueStep    `yaml:"set_value,omitempty"`
	InsertClone     *InsertCloneStep `yaml:"insert_clone,omitempty"`
	RemoveChild     *RemoveChildStep `yaml:"remove_child,omitempty"`
	Apply           yaml.Node        `yaml:"apply,omitempty"`
	Execute         *ExecuteStep     `yaml:"execute,omitempty"`
	ProcessIncoming *ProcessStep     `yaml:"process_incoming,omitempty"`
	Reload          *ReloadStep      `yaml:"reload,omitempty"`

	// ExpectError, when set, is a substring the step's error must contain.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Record is the wire transform an apply step carries. LoadScenario
	// decodes it from Apply.
	Record *ir.TransformRecord `yaml:"-"`
}

// SetValueStep stores a value on every selected node.
type SetValueStep struct {
	Target `yaml:",inline"`
	Value  any `yaml:"value"`
}

// InsertCloneStep clones item From of the selected collection and inserts
// the copy after item After. Without After the copy is appended.
type InsertCloneStep struct {
	Target `yaml:",inline"`
	From   int  `yaml:"from"`
	After  *int `yaml:"after,omitempty"`
}

// RemoveChildStep removes and destroys child Index of the selected node.
type RemoveChildStep struct {
	Target `yaml:",inline"`
	Index  int `yaml:"index"`
}

// ExecuteStep executes the relations on the selected node toward it.
// Kind, when set, limits execution to one relation kind.
type ExecuteStep struct {
	Target `yaml:",inline"`
	Kind   ir.RelationKind `yaml:"kind,omitempty"`
}

// ProcessStep processes incoming relations below the selected node.
type ProcessStep struct {
	Target        `yaml:",inline"`
	AllDirections bool `yaml:"all_directions,omitempty"`
	DisableRemote bool `yaml:"disable_remote,omitempty"`
}

// ReloadStep replaces a tree's inline source and reloads it.
type ReloadStep struct {
	Tree   string `yaml:"tree"`
	Source string `yaml:"source"`
	Render bool   `yaml:"render,omitempty"`
}

// Step kinds, as reported by Step.Kind.
const (
	StepSetValue        = "set_value"
	StepInsertClone     = "insert_clone"
	StepRemoveChild     = "remove_child"
	StepApply           = "apply"
	StepExecute         = "execute"
	StepProcessIncoming = "process_incoming"
	StepReload          = "reload"
)

// Kind returns the action a step carries, or "" when it carries none.
// Steps with more than one action report the first in declaration order.
func (s Step) Kind() string {
	kinds := s.kinds()
	if len(kinds) == 0 {
		return ""
	}
	return kinds[0]
}

func (s Step) kinds() []string {
	var out []string
	if s.SetValue != nil {
		out = append(out, StepSetValue)
	}
	if s.InsertClone != nil {
		out = append(out, StepInsertClone)
	}
	if s.RemoveChild != nil {
		out = append(out, StepRemoveChild)
	}
	if s.Apply.Kind != 0 || s.Record != nil {
		out = append(out, StepApply)
	}
	if s.Execute != nil {
		out = append(out, StepExecute)
	}
	if s.ProcessIncoming != nil {
		out = append(out, StepProcessIncoming)
	}
	if s.Reload != nil {
		out = append(out, StepReload)
	}
	return out
}

// Assertion validates the final forrest or journal.
type Assertion struct {
	// Type specifies the assertion type:
	// - "value": the first selected node holds Value
	// - "child_count": the first selected node has Count children
	// - "relation_count": the selected nodes carry Count relations, of Kind if set
	// - "transform_state": transform GUID ended in State
	// - "journal_count": the journal holds Count entries, filtered by Tree and State
	Type string `yaml:"type"`

	Target `yaml:",inline"`

	// Value is the expected node value (used by value). Absent means null.
	Value any `yaml:"value,omitempty"`

	// Count is the expected number (used by the *_count assertions).
	Count *int `yaml:"count,omitempty"`

	// Kind filters relations (used by relation_count).
	Kind ir.RelationKind `yaml:"kind,omitempty"`

	// GUID names a transform (used by transform_state).
	GUID string `yaml:"guid,omitempty"`

	// State is the expected or filtered commit state (used by
	// transform_state and journal_count).
	State ir.TransformState `yaml:"state,omitempty"`
}

// Assertion type constants.
const (
	AssertValue          = "value"
	AssertChildCount     = "child_count"
	AssertRelationCount  = "relation_count"
	AssertTransformState = "transform_state"
	AssertJournalCount   = "journal_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// The forrest is resolved, so the returned scenario is ready to run.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.BaseDir = filepath.Dir(path)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if err := resolveScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", scenario.Name, err)
	}
	return &scenario, nil
}

// resolveScenario compiles the forrest and decodes apply records.
func resolveScenario(s *Scenario) error {
	if s.ForrestSpec == nil {
		spec, err := loadForrest(s)
		if err != nil {
			return err
		}
		s.ForrestSpec = spec
	}
	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Apply.Kind == 0 || step.Record != nil {
			continue
		}
		var rec ir.TransformRecord
		if err := decodeJSONNode(&step.Apply, &rec); err != nil {
			return fmt.Errorf("steps[%d].apply: %w", i, err)
		}
		step.Record = &rec
	}
	return nil
}

func loadForrest(s *Scenario) (*ir.ForrestSpec, error) {
	if s.Spec != "" {
		path := s.Spec
		if !filepath.IsAbs(path) && s.BaseDir != "" {
			path = filepath.Join(s.BaseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("spec: %w", err)
		}
		spec, err := compiler.CompileSource(data, path)
		if err != nil {
			return nil, fmt.Errorf("spec: %w", err)
		}
		return spec, nil
	}

	var spec ir.ForrestSpec
	if err := decodeJSONNode(&s.Forrest, &spec); err != nil {
		return nil, fmt.Errorf("forrest: %w", err)
	}
	if spec.Name == "" {
		spec.Name = s.Name
	}
	return &spec, nil
}

// decodeJSONNode decodes a YAML subtree through its JSON form, so types
// with JSON tags and custom unmarshalers read it the same way they read
// wire data. Unknown fields are rejected.
func decodeJSONNode(n *yaml.Node, dst any) error {
	var raw any
	if err := n.Decode(&raw); err != nil {
		return err
	}
	v, err := ir.FromAny(raw)
	if err != nil {
		return err
	}
	data, err := ir.MarshalValue(v)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	hasInline := s.Forrest.Kind != 0
	switch {
	case s.ForrestSpec != nil:
	case s.Spec != "" && hasInline:
		return fmt.Errorf("spec and forrest are mutually exclusive")
	case s.Spec == "" && !hasInline:
		return fmt.Errorf("spec or forrest is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep checks that a step carries exactly one action and that the
// action names what it acts on.
func validateStep(index int, s *Step) error {
	kinds := s.kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: no action given", index)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: exactly one action allowed, got %v", index, kinds)
	}

	var target *Target
	switch {
	case s.SetValue != nil:
		target = &s.SetValue.Target
	case s.InsertClone != nil:
		target = &s.InsertClone.Target
	case s.RemoveChild != nil:
		target = &s.RemoveChild.Target
		if s.RemoveChild.Index < 0 {
			return fmt.Errorf("steps[%d]: index must be non-negative for remove_child", index)
		}
	case s.Execute != nil:
		target = &s.Execute.Target
		if s.Execute.Kind != "" && !ir.ValidRelationKinds[s.Execute.Kind] {
			return fmt.Errorf("steps[%d]: unknown relation kind %q", index, s.Execute.Kind)
		}
	case s.ProcessIncoming != nil:
		target = &s.ProcessIncoming.Target
	case s.Reload != nil:
		if s.Reload.Tree == "" {
			return fmt.Errorf("steps[%d]: tree is required for reload", index)
		}
	}
	if target != nil && target.Tree == "" {
		return fmt.Errorf("steps[%d]: tree is required for %s", index, kinds[0])
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertValue:
		if a.Tree == "" {
			return fmt.Errorf("assertions[%d]: tree is required for value", index)
		}
	case AssertChildCount, AssertRelationCount:
		if a.Tree == "" {
			return fmt.Errorf("assertions[%d]: tree is required for %s", index, a.Type)
		}
		if err := requireCount(index, a); err != nil {
			return err
		}
	case AssertTransformState:
		if a.GUID == "" {
			return fmt.Errorf("assertions[%d]: guid is required for transform_state", index)
		}
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for transform_state", index)
		}
	case AssertJournalCount:
		if err := requireCount(index, a); err != nil {
			return err
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

func requireCount(index int, a *Assertion) error {
	if a.Count == nil {
		return fmt.Errorf("assertions[%d]: count is required for %s", index, a.Type)
	}
	if *a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
	}
	return nil
}
