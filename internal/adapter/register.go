package adapter

import "github.com/roach88/cts/internal/engine"

// Renderer is implemented by adapters that can write a tree back out as
// a document.
type Renderer interface {
	Render(v engine.View, id engine.NodeID, format string) ([]byte, error)
}

// Adapters returns engine options registering the doc and grid kinds,
// both committing through c. Trees without a registered kind fall back
// to doc.
func Adapters(c *Committer, opts ...Option) []engine.Option {
	opts = append(opts, WithCommitter(c))
	return []engine.Option{
		engine.WithAdapter(NewDoc(opts...)),
		engine.WithAdapter(NewGrid(opts...)),
		engine.WithDefaultKind(DocKind),
	}
}
