package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/cts/internal/ir"
)

// CommandKind distinguishes queued work.
type CommandKind int

const (
	// CommandApply applies a wire transform as a remote change.
	CommandApply CommandKind = iota + 1
	// CommandSetValue sets the value of every node a selector matches.
	CommandSetValue
	// CommandReload reloads a tree spec.
	CommandReload
	// CommandDo runs a function with exclusive access to the forrest.
	CommandDo
)

func (k CommandKind) String() string {
	switch k {
	case CommandApply:
		return "apply"
	case CommandSetValue:
		return "set-value"
	case CommandReload:
		return "reload"
	case CommandDo:
		return "do"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is work submitted to the Run loop from another goroutine.
type Command struct {
	Kind CommandKind

	// Record is the transform for CommandApply.
	Record ir.TransformRecord

	// Tree and Selector address the nodes for CommandSetValue; Tree names
	// the tree for CommandReload.
	Tree     string
	Selector string
	Value    ir.Value

	// Render processes incoming relations after a reload.
	Render bool

	// Do is the work for CommandDo. Readers use it to inspect the forrest
	// without racing the Run loop.
	Do func(ctx context.Context, f *Forrest) error

	// Result, if set, receives the outcome. It should be buffered.
	Result chan<- error
}

// commandQueue is a thread-safe FIFO queue of commands.
//
// The queue is unbounded so that submitters never block on the owner.
// A buffered signal channel lets the Run loop wait on either new work or
// context cancellation.
type commandQueue struct {
	mu       sync.Mutex
	commands []Command
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		commands: make([]Command, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a command to the back of the queue.
// Returns false if the queue is closed.
func (q *commandQueue) Enqueue(c Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.commands = append(q.commands, c)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front command without blocking.
func (q *commandQueue) TryDequeue() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return Command{}, false
	}
	c := q.commands[0]
	// Clear the slot so the backing array does not pin Result channels.
	q.commands[0] = Command{}
	if len(q.commands) == 1 {
		q.commands = q.commands[:0]
	} else {
		q.commands = q.commands[1:]
	}
	return c, true
}

// Wait returns a channel that signals when commands may be available.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Close stops further enqueues and wakes the Run loop.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Enqueue submits a command to the Run loop.
// Safe from any goroutine. Returns false once the forrest has stopped.
func (f *Forrest) Enqueue(c Command) bool {
	return f.queue.Enqueue(c)
}

// Run processes queued commands until ctx is cancelled or Stop is called.
//
// Must be called from exactly one goroutine, which becomes the forrest's
// owner. A failing command is logged with its details and processing
// continues.
func (f *Forrest) Run(ctx context.Context) error {
	slog.Info("forrest starting")

	for {
		cmd, ok := f.queue.TryDequeue()
		if ok {
			err := f.process(ctx, cmd)
			if err != nil {
				slog.Error("command failed",
					"command", cmd.Kind.String(),
					"tree", cmd.Tree,
					"selector", cmd.Selector,
					"guid", cmd.Record.GUID,
					"error", err,
				)
			}
			if cmd.Result != nil {
				cmd.Result <- err
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("forrest stopping: context cancelled")
			f.queue.Close()
			return ctx.Err()

		case <-f.queue.Wait():
			// A closed signal channel fires immediately.
			if f.queue.Len() == 0 && f.queue.isClosed() {
				slog.Info("forrest stopping: queue closed")
				return nil
			}
		}
	}
}

func (q *commandQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stop closes the command queue, which makes Run return.
func (f *Forrest) Stop() {
	f.queue.Close()
}

func (f *Forrest) process(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case CommandApply:
		return f.ApplyRecord(ctx, cmd.Record)

	case CommandSetValue:
		sel := f.Find(cmd.Tree, cmd.Selector)
		if sel.Empty() {
			return fmt.Errorf("selector %q matched nothing in tree %s", cmd.Selector, cmd.Tree)
		}
		return sel.SetValue(ctx, cmd.Value)

	case CommandReload:
		return f.ReloadTreeSpec(ctx, cmd.Tree, cmd.Render)

	case CommandDo:
		if cmd.Do == nil {
			return fmt.Errorf("do command without a function")
		}
		return cmd.Do(ctx, f)

	default:
		return fmt.Errorf("unknown command kind: %d", cmd.Kind)
	}
}
