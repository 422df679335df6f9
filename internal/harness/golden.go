package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cts/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonical converts a TraceSnapshot to an ir.Object for canonical JSON
// serialization. Empty fields are left out.
func (s *TraceSnapshot) toCanonical() ir.Object {
	traceList := make(ir.Array, len(s.Trace))
	for i, event := range s.Trace {
		obj := ir.NewObject(
			ir.O("step", ir.Int(event.Step)),
			ir.O("kind", ir.String(event.Kind)),
			ir.O("tree", ir.String(event.Tree)),
		)
		optional := []struct {
			key, val string
		}{
			{"node", event.Node},
			{"guid", event.GUID},
			{"operation", string(event.Operation)},
			{"state", string(event.State)},
			{"mimic_of", event.MimicOf},
		}
		for _, o := range optional {
			if o.val != "" {
				obj[o.key] = ir.String(o.val)
			}
		}
		if event.Value != nil {
			obj["value"] = event.Value
		}
		traceList[i] = obj
	}

	return ir.NewObject(
		ir.O("scenario_name", ir.String(s.ScenarioName)),
		ir.O("trace", traceList),
	)
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check assertions as well; a trace that
// doesn't match the golden file fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return result, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}

// MarshalTrace renders a scenario's trace in the golden file format.
func MarshalTrace(scenarioName string, trace []TraceEvent) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        trace,
	}
	return ir.MarshalCanonical(snapshot.toCanonical())
}
