package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/cts/internal/ir"
)

const (
	// DefaultMaxRelaySteps bounds the relation hops of a single event.
	DefaultMaxRelaySteps = 10000

	// DefaultTreeName is the name of the primary document tree. It never
	// serves as a remapping target.
	DefaultTreeName = "body"

	// GridKind is the tree kind preferred when remapping unknown tree names.
	GridKind = "grid"
)

// Forrest is the registry of named trees and the relations between them.
//
// A Forrest owns the node arena: every node handle, tree and relation
// lives here. It is owned by a single goroutine. Before Run is called the
// creator is the owner; once Run starts, only the Run loop touches the
// forrest and other goroutines submit work through Enqueue.
//
// Blocking adapter calls (loading documents, clone shapes, commits) take a
// context. Independent loads run concurrently and are joined before the
// forrest is mutated, in declaration order.
type Forrest struct {
	nodes []*node

	trees         map[string]*Tree
	treeSpecs     []ir.TreeSpec
	relationSpecs []*ir.RelationSpec
	relations     []*Relation

	adapters    map[string]Adapter
	defaultKind string
	loader      DependencyLoader
	deps        map[string]bool
	depOrder    []string
	afterDeps   []func()

	guids         GUIDGenerator
	clock         *Clock
	maxRelaySteps int
	mockRemote    bool
	appContext    string

	metrics   *Metrics
	tracer    trace.Tracer
	observers []Listener
	queue     *commandQueue
}

// Tree is one realized document.
type Tree struct {
	Name string
	Spec ir.TreeSpec
	Root NodeID

	adapter       Adapter
	throwEvents   bool
	receiveEvents bool
	commits       bool
}

// Adapter returns the adapter that realized the tree.
func (t *Tree) Adapter() Adapter { return t.adapter }

// Commits reports whether announced transforms reach the remote store.
func (t *Tree) Commits() bool { return t.commits }

// DependencyLoader fetches a dependency a forrest spec declares.
type DependencyLoader interface {
	LoadDependency(ctx context.Context, dep ir.DependencySpec) error
}

// Option configures a Forrest.
type Option func(*Forrest)

// WithAdapter registers an adapter for its kind.
func WithAdapter(a Adapter) Option {
	return func(f *Forrest) {
		f.adapters[a.Kind()] = a
	}
}

// WithDefaultKind names the adapter used for tree specs whose kind has no
// registered adapter.
func WithDefaultKind(kind string) Option {
	return func(f *Forrest) {
		f.defaultKind = kind
	}
}

// WithGUIDGenerator sets the transform GUID source.
// Use NewFixedGenerator for deterministic tests.
func WithGUIDGenerator(g GUIDGenerator) Option {
	return func(f *Forrest) {
		f.guids = g
	}
}

// WithClock sets the logical clock. Replay uses it to resume numbering.
func WithClock(c *Clock) Option {
	return func(f *Forrest) {
		f.clock = c
	}
}

// WithMaxRelaySteps sets the per-event relay budget.
//
// Default: 10000 hops (DefaultMaxRelaySteps)
func WithMaxRelaySteps(n int) Option {
	return func(f *Forrest) {
		f.maxRelaySteps = n
	}
}

// WithMockRemote resolves every commit immediately without calling adapters.
func WithMockRemote(on bool) Option {
	return func(f *Forrest) {
		f.mockRemote = on
	}
}

// WithAppContext sets the application context stamped on transforms.
func WithAppContext(appContext string) Option {
	return func(f *Forrest) {
		f.appContext = appContext
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(f *Forrest) {
		f.metrics = m
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(f *Forrest) {
		f.tracer = t
	}
}

// WithDependencyLoader sets how declared dependencies are fetched. Without
// one, dependencies stay pending until DependencyLoaded is called.
func WithDependencyLoader(l DependencyLoader) Option {
	return func(f *Forrest) {
		f.loader = l
	}
}

// New creates an empty forrest.
func New(opts ...Option) *Forrest {
	f := &Forrest{
		nodes:         make([]*node, 1, 256), // slot 0 is NoNode
		trees:         make(map[string]*Tree),
		adapters:      make(map[string]Adapter),
		deps:          make(map[string]bool),
		guids:         UUIDv7Generator{},
		clock:         NewClock(),
		maxRelaySteps: DefaultMaxRelaySteps,
		tracer:        otel.Tracer("cts.engine"),
		queue:         newCommandQueue(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Clock returns the forrest's logical clock.
func (f *Forrest) Clock() *Clock { return f.clock }

// AddSpec validates a compiled spec, loads its dependencies, realizes its
// trees and then its relations.
func (f *Forrest) AddSpec(ctx context.Context, spec ir.ForrestSpec) error {
	ctx, span := f.tracer.Start(ctx, "engine.AddSpec",
		trace.WithAttributes(
			attribute.String("cts.forrest", spec.Name),
			attribute.Int("cts.trees", len(spec.Trees)),
			attribute.Int("cts.relations", len(spec.Relations)),
		),
	)
	defer span.End()

	if verrs := spec.Validate(); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, ve := range verrs {
			errs[i] = ve
		}
		return fmt.Errorf("invalid forrest spec: %w", errors.Join(errs...))
	}
	if err := f.loadDependencies(ctx, spec.Dependencies); err != nil {
		span.RecordError(err)
		return err
	}
	if err := f.RealizeTrees(ctx, spec.Trees); err != nil {
		span.RecordError(err)
		return err
	}
	for _, rs := range f.AddRelationSpecs(spec.Relations) {
		_, _ = f.RealizeRelation(rs, NoNode, nil)
	}
	slog.Info("forrest spec added",
		"forrest", spec.Name,
		"trees", len(spec.Trees),
		"relations", len(f.relations),
	)
	return nil
}

// AddRelationSpecs stores relation declarations without realizing them.
// Declarations without an ID get their content hash.
func (f *Forrest) AddRelationSpecs(specs []ir.RelationSpec) []*ir.RelationSpec {
	added := make([]*ir.RelationSpec, 0, len(specs))
	for _, s := range specs {
		c := s.Clone()
		if c.ID == "" {
			c.ID = ir.MustRelationSpecID(c)
		}
		f.relationSpecs = append(f.relationSpecs, &c)
		added = append(added, &c)
	}
	return added
}

// AddRelationSpec stores one declaration without realizing it.
func (f *Forrest) AddRelationSpec(spec ir.RelationSpec) *ir.RelationSpec {
	return f.AddRelationSpecs([]ir.RelationSpec{spec})[0]
}

// RemoveRelationSpec forgets a stored declaration. Relations already
// realized from it stay in place. Returns false if spec was not stored.
func (f *Forrest) RemoveRelationSpec(spec *ir.RelationSpec) bool {
	n := len(f.relationSpecs)
	f.relationSpecs = slices.DeleteFunc(f.relationSpecs, func(s *ir.RelationSpec) bool { return s == spec })
	return len(f.relationSpecs) < n
}

// RelationSpecs returns the stored declarations.
func (f *Forrest) RelationSpecs() []*ir.RelationSpec {
	return slices.Clone(f.relationSpecs)
}

// RealizeTrees realizes tree specs. Documents load concurrently; trees are
// then planted in declaration order, with aliases bound last.
func (f *Forrest) RealizeTrees(ctx context.Context, specs []ir.TreeSpec) error {
	f.treeSpecs = append(f.treeSpecs, specs...)

	type loaded struct {
		adapter Adapter
		shape   *Shape
	}
	results := make([]loaded, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		if _, alias := spec.AliasOf(); alias {
			continue
		}
		a, err := f.adapterFor(spec)
		if err != nil {
			return err
		}
		g.Go(func() error {
			shape, err := f.loadShape(gctx, a, spec)
			results[i] = loaded{adapter: a, shape: shape}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, spec := range specs {
		if _, alias := spec.AliasOf(); alias {
			continue
		}
		f.plantTree(spec, results[i].adapter, results[i].shape)
	}
	for _, spec := range specs {
		if _, alias := spec.AliasOf(); alias {
			if err := f.bindAlias(spec); err != nil {
				return err
			}
		}
	}
	return nil
}

// RealizeTree realizes a single tree spec.
func (f *Forrest) RealizeTree(ctx context.Context, spec ir.TreeSpec) (*Tree, error) {
	if err := f.RealizeTrees(ctx, []ir.TreeSpec{spec}); err != nil {
		return nil, err
	}
	return f.trees[spec.Name], nil
}

func (f *Forrest) adapterFor(spec ir.TreeSpec) (Adapter, error) {
	if a := f.adapters[spec.Kind]; a != nil {
		return a, nil
	}
	if a := f.adapters[f.defaultKind]; a != nil {
		slog.Warn("no adapter for tree kind, trying default",
			"tree", spec.Name,
			"kind", spec.Kind,
			"default", f.defaultKind,
		)
		return a, nil
	}
	return nil, &RuntimeError{
		Code:     ErrCodeUnknownAdapter,
		Message:  fmt.Sprintf("no adapter registered for kind %q", spec.Kind),
		TreeName: spec.Name,
	}
}

func (f *Forrest) loadShape(ctx context.Context, a Adapter, spec ir.TreeSpec) (*Shape, error) {
	ctx, span := f.tracer.Start(ctx, "engine.LoadTree",
		trace.WithAttributes(
			attribute.String("cts.tree", spec.Name),
			attribute.String("cts.kind", spec.Kind),
		),
	)
	defer span.End()

	shape, err := a.Load(ctx, spec)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load tree %s: %w", spec.Name, err)
	}
	if shape == nil {
		return nil, fmt.Errorf("load tree %s: adapter returned no document", spec.Name)
	}
	return shape, nil
}

func (f *Forrest) plantTree(spec ir.TreeSpec, a Adapter, shape *Shape) *Tree {
	tree := &Tree{
		Name:          spec.Name,
		Spec:          spec,
		adapter:       a,
		throwEvents:   spec.ThrowEvents,
		receiveEvents: spec.ReceiveEvents,
		commits:       spec.Commits,
	}
	root := f.materialize(shape, tree, NoNode)
	f.get(root).provenance = &Provenance{TreeName: spec.Name, URL: spec.URL, Kind: spec.Kind}
	tree.Root = root
	f.trees[spec.Name] = tree
	f.metrics.treeRealized(a.Kind())

	slog.Info("tree realized",
		"tree", spec.Name,
		"kind", a.Kind(),
		"nodes", shape.Size(),
	)
	return tree
}

// bindAlias points an alias name at an already realized tree. The tree is
// shared: enabling receive on the alias enables it for every name bound to
// that tree.
func (f *Forrest) bindAlias(spec ir.TreeSpec) error {
	target, _ := spec.AliasOf()
	t := f.trees[target]
	if t == nil {
		err := NewUnresolvedTreeError(target, "")
		err.Message = "alias of undefined tree"
		slog.Error("cannot bind alias", "alias", spec.Name, "error", err)
		return err
	}
	f.trees[spec.Name] = t
	if spec.ReceiveEvents {
		t.receiveEvents = true
		f.SetReceiveEvents(t.Root, true, true)
	}
	slog.Info("tree aliased", "alias", spec.Name, "tree", t.Name)
	return nil
}

// Tree returns the tree bound to name, or nil.
func (f *Forrest) Tree(name string) *Tree {
	return f.trees[name]
}

// ContainsTree reports whether name is bound.
func (f *Forrest) ContainsTree(name string) bool {
	_, ok := f.trees[name]
	return ok
}

// TreeNames returns bound names, sorted.
func (f *Forrest) TreeNames() []string {
	names := make([]string, 0, len(f.trees))
	for name := range f.trees {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TreeSpecs returns declared tree specs in declaration order.
func (f *Forrest) TreeSpecs() []ir.TreeSpec {
	return slices.Clone(f.treeSpecs)
}

// RemapTreeName picks a substitute for a tree name no spec declares: the
// last declared grid tree, else the last other tree except the default
// one, else the name itself.
func (f *Forrest) RemapTreeName(name string) string {
	var lastGrid, lastOther string
	for _, spec := range f.treeSpecs {
		if spec.Name == name {
			return name
		}
		if spec.Name == DefaultTreeName {
			continue
		}
		if spec.Kind == GridKind {
			lastGrid = spec.Name
		} else {
			lastOther = spec.Name
		}
	}
	switch {
	case lastGrid != "":
		return lastGrid
	case lastOther != "":
		return lastOther
	default:
		return name
	}
}

// UpdateTreeSpec replaces the stored spec with the same name. The tree in
// place is untouched until the next ReloadTreeSpec.
func (f *Forrest) UpdateTreeSpec(spec ir.TreeSpec) error {
	idx := slices.IndexFunc(f.treeSpecs, func(s ir.TreeSpec) bool { return s.Name == spec.Name })
	if idx < 0 {
		return fmt.Errorf("no tree spec named %q", spec.Name)
	}
	f.treeSpecs[idx] = spec
	return nil
}

// ReloadTreeSpec discards the tree bound to name, realizes its spec again
// and re-realizes every relation declaration touching it. Names aliased to
// the old tree are rebound to the new one. With render set, incoming
// relations are processed over the new tree.
func (f *Forrest) ReloadTreeSpec(ctx context.Context, name string, render bool) error {
	idx := slices.IndexFunc(f.treeSpecs, func(s ir.TreeSpec) bool { return s.Name == name })
	if idx < 0 {
		return fmt.Errorf("no tree spec named %q", name)
	}
	spec := f.treeSpecs[idx]
	if _, alias := spec.AliasOf(); alias {
		return fmt.Errorf("tree %q is an alias; reload its target", name)
	}

	old := f.trees[name]
	var bound []string
	for n, t := range f.trees {
		if t == old {
			bound = append(bound, n)
		}
	}
	if old != nil && f.Alive(old.Root) {
		if err := f.Destroy(old.Root); err != nil {
			return err
		}
	}
	delete(f.trees, name)

	a, err := f.adapterFor(spec)
	if err != nil {
		return err
	}
	shape, err := f.loadShape(ctx, a, spec)
	if err != nil {
		return err
	}
	tree := f.plantTree(spec, a, shape)
	for _, n := range bound {
		f.trees[n] = tree
	}
	if !slices.Contains(bound, name) {
		bound = append(bound, name)
	}

	for _, rs := range f.relationSpecs {
		if slices.ContainsFunc(bound, rs.TouchesTree) {
			_, _ = f.RealizeRelation(rs, NoNode, nil)
		}
	}
	slog.Info("tree reloaded", "tree", name, "render", render)

	if render {
		return f.ProcessIncoming(ctx, tree.Root, ProcessOptions{})
	}
	return nil
}

// ApplyRecord routes a wire transform to the node it names and applies it
// as a remote transform.
func (f *Forrest) ApplyRecord(ctx context.Context, rec ir.TransformRecord) error {
	tree := f.trees[rec.TreeName]
	if tree == nil {
		return NewUnresolvedTreeError(rec.TreeName, "")
	}
	id := tree.Root
	if rec.NodeIdentifier != "" {
		ids := f.find(tree, ir.SelectionSpec{TreeName: rec.TreeName, Selector: rec.NodeIdentifier})
		if len(ids) == 0 {
			return fmt.Errorf("node %q not found in tree %s", rec.NodeIdentifier, rec.TreeName)
		}
		id = ids[0]
	}
	guid := rec.GUID
	if guid == "" {
		guid = f.guids.Generate()
	}
	t := &Transform{
		GUID:       guid,
		Operation:  rec.Operation,
		AppContext: rec.AppContext,
		Value:      rec.Value,
		Args:       rec.Args,
		State:      ir.StateSuccess,
		FromRemote: true,
		forrest:    f,
	}
	t.bind(id)
	return f.ApplyTransform(ctx, id, t)
}

// DependencyLoading marks a dependency as pending.
func (f *Forrest) DependencyLoading(url string) {
	if _, ok := f.deps[url]; !ok {
		f.deps[url] = false
		f.depOrder = append(f.depOrder, url)
	}
}

// DependencyLoaded marks a dependency as loaded and, once none are
// pending, runs the queued callbacks.
func (f *Forrest) DependencyLoaded(url string) {
	f.deps[url] = true
	if !f.AllDependenciesLoaded() {
		return
	}
	queued := f.afterDeps
	f.afterDeps = nil
	for _, fn := range queued {
		fn()
	}
}

// AllDependenciesLoaded reports whether no dependency is pending.
func (f *Forrest) AllDependenciesLoaded() bool {
	for _, loaded := range f.deps {
		if !loaded {
			return false
		}
	}
	return true
}

// AfterDepsLoaded runs fn now if nothing is pending, else once the last
// pending dependency loads.
func (f *Forrest) AfterDepsLoaded(fn func()) {
	if f.AllDependenciesLoaded() {
		fn()
		return
	}
	f.afterDeps = append(f.afterDeps, fn)
}

func (f *Forrest) loadDependencies(ctx context.Context, deps []ir.DependencySpec) error {
	for _, d := range deps {
		f.DependencyLoading(d.URL)
	}
	if f.loader == nil || len(deps) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range deps {
		g.Go(func() error {
			return f.loader.LoadDependency(gctx, d)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load dependencies: %w", err)
	}
	for _, d := range deps {
		f.DependencyLoaded(d.URL)
	}
	return nil
}

// Snapshot renders the subtree at id as a value:
// {label, kind, value, hidden, children}. Hidden and children are omitted
// when empty.
func (f *Forrest) Snapshot(id NodeID) ir.Value {
	if !f.Alive(id) {
		return ir.Null{}
	}
	obj := ir.NewObject(
		ir.O("label", ir.String(f.Label(id))),
		ir.O("kind", ir.String(f.NodeKind(id))),
		ir.O("value", f.Value(id)),
	)
	if f.Hidden(id) {
		obj["hidden"] = ir.Bool(true)
	}
	kids := f.Children(id)
	if len(kids) > 0 {
		arr := make(ir.Array, len(kids))
		for i, c := range kids {
			arr[i] = f.Snapshot(c)
		}
		obj["children"] = arr
	}
	return obj
}
