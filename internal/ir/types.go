package ir

import "strings"

// ForrestSpec is a compiled rule document: the trees it names, the
// relations between them, and the dependencies it loads.
type ForrestSpec struct {
	Name         string           `json:"name,omitempty"`
	Trees        []TreeSpec       `json:"trees" validate:"dive"`
	Relations    []RelationSpec   `json:"relations" validate:"dive"`
	Dependencies []DependencySpec `json:"dependencies,omitempty" validate:"dive"`
}

// TreeSpec declares one named tree and the adapter kind that realizes it.
type TreeSpec struct {
	Name string `json:"name" validate:"required,max=128"`
	Kind string `json:"kind" validate:"required"`

	// URL locates the document. "alias(other)" binds this name to the
	// already-realized tree called other.
	URL string `json:"url,omitempty"`

	// Source holds an inline document body. Takes precedence over URL.
	Source string `json:"source,omitempty"`

	// Format selects the document encoding for kinds that parse text
	// ("json" or "yaml"). Empty means infer from the URL extension.
	Format string `json:"format,omitempty" validate:"omitempty,oneof=json yaml"`

	ReceiveEvents bool `json:"receive_events,omitempty"`
	ThrowEvents   bool `json:"throw_events,omitempty"`

	// Commits routes announced transforms to the adapter's remote store.
	Commits bool `json:"commits,omitempty"`

	// Mock resolves commits immediately without contacting the store.
	Mock bool `json:"mock,omitempty"`

	// LoadedFrom records the document that declared this tree, used to
	// resolve relative URLs.
	LoadedFrom string `json:"loaded_from,omitempty"`
}

// AliasOf returns the target tree name when URL has the form alias(name).
func (t TreeSpec) AliasOf() (string, bool) {
	if !strings.HasPrefix(t.URL, "alias(") || !strings.HasSuffix(t.URL, ")") {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(t.URL, "alias("), ")")
	return name, name != ""
}

// RelationKind names a relation variant.
type RelationKind string

const (
	KindIs       RelationKind = "is"
	KindAre      RelationKind = "are"
	KindGraft    RelationKind = "graft"
	KindIfExist  RelationKind = "if-exist"
	KindIfNexist RelationKind = "if-nexist"
	KindCreates  RelationKind = "creates"
	KindUpdates  RelationKind = "updates"
)

// ValidRelationKinds lists every relation kind the engine understands.
var ValidRelationKinds = map[RelationKind]bool{
	KindIs:       true,
	KindAre:      true,
	KindGraft:    true,
	KindIfExist:  true,
	KindIfNexist: true,
	KindCreates:  true,
	KindUpdates:  true,
}

// SelectionSpec is an opaque, adapter-resolved selection criterion
// against one tree, plus the per-side option bag (prefix, suffix, item,
// limit, mod, ...).
type SelectionSpec struct {
	TreeName string `json:"tree" validate:"required"`
	Selector string `json:"selector"`
	Props    Object `json:"props,omitempty"`
}

// Clone returns a copy that shares no mutable state with s.
func (s SelectionSpec) Clone() SelectionSpec {
	return SelectionSpec{
		TreeName: s.TreeName,
		Selector: s.Selector,
		Props:    cloneObject(s.Props),
	}
}

// RelationSpec declares a relation between two selections.
type RelationSpec struct {
	ID           string        `json:"id,omitempty"`
	Kind         RelationKind  `json:"kind" validate:"required,relation_kind"`
	Selection1   SelectionSpec `json:"selection1"`
	Selection2   SelectionSpec `json:"selection2"`
	Opts         Object        `json:"opts,omitempty"`
	GraftOnly    bool          `json:"graft_only,omitempty"`
	CreationOnly bool          `json:"creation_only,omitempty"`
}

// Clone returns a deep copy of the declaration.
func (r RelationSpec) Clone() RelationSpec {
	return RelationSpec{
		ID:           r.ID,
		Kind:         r.Kind,
		Selection1:   r.Selection1.Clone(),
		Selection2:   r.Selection2.Clone(),
		Opts:         cloneObject(r.Opts),
		GraftOnly:    r.GraftOnly,
		CreationOnly: r.CreationOnly,
	}
}

// TouchesTree reports whether either side names tree.
func (r RelationSpec) TouchesTree(tree string) bool {
	return r.Selection1.TreeName == tree || r.Selection2.TreeName == tree
}

// DependencySpec names an external resource the forrest waits on before
// running deferred work.
type DependencySpec struct {
	URL  string `json:"url" validate:"required"`
	Kind string `json:"kind,omitempty"`
}

func cloneObject(o Object) Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case Object:
		return cloneObject(val)
	}
	return v
}

// CloneValue returns a deep copy of v.
func CloneValue(v Value) Value {
	return cloneValue(v)
}
