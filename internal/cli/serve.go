package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/cts/internal/adapter"
	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// maxBodyBytes bounds request bodies of the write endpoints.
const maxBodyBytes = 1 << 20

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr       string
	Database   string
	AppContext string
	Watch      bool
	Debounce   time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <spec>",
		Short: "Serve a realized forrest over HTTP",
		Long: `Realize a forrest and expose it over HTTP.

Endpoints:
  GET  /healthz                       liveness
  GET  /metrics                       Prometheus metrics
  GET  /trees                         tree names and specs
  GET  /trees/{tree}?format=json      the tree rendered as a document
  GET  /trees/{tree}/values?selector= values of the selected nodes
  PUT  /trees/{tree}/values?selector= set a value (JSON body)
  POST /transforms                    apply a wire transform (JSON body)
  GET  /feed                          websocket stream of resolved commits

Example:
  cts serve --addr :8080 --db ./journal.db ./specs`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal")
	cmd.Flags().StringVar(&opts.AppContext, "app-context", "", "app context stamped on transforms")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload trees when their documents change")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", DefaultDebounce, "quiet period before a changed tree reloads")

	return cmd
}

func runServe(opts *ServeOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	res, err := loadValidForrest(path)
	if err != nil {
		code, msg := loadError(err)
		return commandError(formatter, code, msg, nil)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hub := newFeedHub()
	defer hub.Close()

	sess, err := openSession(ctx, res.Spec, sessionConfig{
		dbPath:     opts.Database,
		appContext: opts.AppContext,
		metrics:    engine.NewMetrics(engine.WithRegistry(registry)),
		listeners:  []engine.Listener{hub.Observe},
	})
	if err != nil {
		return commandError(formatter, ErrCodeEngine, "failed to realize forrest", err)
	}
	defer sess.Close()
	f := sess.Forrest

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return commandError(formatter, ErrCodeBadInput, "cannot listen", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	if opts.Watch {
		watcher, err := newTreeWatcher(res.Spec.Trees, opts.Debounce)
		if err != nil {
			ln.Close()
			return commandError(formatter, ErrCodeBadInput, "cannot watch forrest", err)
		}
		runOpts := &RunOptions{RootOptions: opts.RootOptions, Render: true}
		go func() {
			_ = watcher.Run(ctx, func(trees []string) {
				reloadTrees(f, trees, runOpts, io.Discard)
			})
		}()
	}

	srv := &http.Server{
		Handler:           newServer(f, hub, registry).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	slog.Info("serving forrest", "forrest", res.Spec.Name, "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Serving forrest %s on %s\n", res.Spec.Name, ln.Addr())

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "forrest error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// server routes HTTP requests onto a forrest's command queue. Handlers
// never touch the forrest directly.
type server struct {
	forrest  *engine.Forrest
	hub      *feedHub
	registry *prometheus.Registry
}

func newServer(f *engine.Forrest, hub *feedHub, registry *prometheus.Registry) *server {
	return &server{forrest: f, hub: hub, registry: registry}
}

// Routes returns the HTTP handler.
func (s *server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/feed", s.hub.ServeHTTP)

	r.Route("/trees", func(r chi.Router) {
		r.Get("/", s.listTrees)
		r.Get("/{tree}", s.renderTree)
		r.Get("/{tree}/values", s.getValues)
		r.Put("/{tree}/values", s.setValue)
	})
	r.Post("/transforms", s.applyTransform)

	return r
}

// do runs cmd on the forrest's owner goroutine and waits for it.
func (s *server) do(ctx context.Context, cmd engine.Command) error {
	result := make(chan error, 1)
	cmd.Result = result
	if !s.forrest.Enqueue(cmd) {
		return errStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errStopped = errors.New("forrest is stopped")

func (s *server) view(ctx context.Context, fn func(f *engine.Forrest) error) error {
	return s.do(ctx, engine.Command{Kind: engine.CommandDo, Do: func(_ context.Context, f *engine.Forrest) error {
		return fn(f)
	}})
}

type treeInfo struct {
	Name string      `json:"name"`
	Spec ir.TreeSpec `json:"spec"`
}

func (s *server) listTrees(w http.ResponseWriter, r *http.Request) {
	var trees []treeInfo
	err := s.view(r.Context(), func(f *engine.Forrest) error {
		for _, name := range f.TreeNames() {
			if t := f.Tree(name); t != nil {
				trees = append(trees, treeInfo{Name: name, Spec: t.Spec})
			}
		}
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, trees)
}

func (s *server) renderTree(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tree")
	format := r.URL.Query().Get("format")
	var data []byte
	err := s.view(r.Context(), func(f *engine.Forrest) error {
		if f.Tree(name) == nil {
			return errNotFound{fmt.Sprintf("unknown tree %q", name)}
		}
		var err error
		data, err = renderTree(f, name, format)
		if err == nil && format == "" {
			format = adapterFormat(f, name)
		}
		return err
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *server) getValues(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tree")
	selector := r.URL.Query().Get("selector")
	var values []ir.Value
	err := s.view(r.Context(), func(f *engine.Forrest) error {
		if f.Tree(name) == nil {
			return errNotFound{fmt.Sprintf("unknown tree %q", name)}
		}
		values = f.Find(name, selector).Values()
		return nil
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if values == nil {
		values = []ir.Value{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": name, "selector": selector, "values": ir.Array(values)})
}

func (s *server) setValue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	val, err := ir.UnmarshalValue(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid value: %w", err))
		return
	}
	err = s.do(r.Context(), engine.Command{
		Kind:     engine.CommandSetValue,
		Tree:     chi.URLParam(r, "tree"),
		Selector: r.URL.Query().Get("selector"),
		Value:    val,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) applyTransform(w http.ResponseWriter, r *http.Request) {
	var rec ir.TransformRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid transform: %w", err))
		return
	}
	if err := s.do(r.Context(), engine.Command{Kind: engine.CommandApply, Record: rec}); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "guid": rec.GUID})
}

type errNotFound struct{ msg string }

func (e errNotFound) Error() string { return e.msg }

// statusFor maps a command error to an HTTP status.
func statusFor(err error) int {
	var nf errNotFound
	switch {
	case errors.As(err, &nf), engine.IsResolutionError(err):
		return http.StatusNotFound
	case errors.Is(err, errStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func adapterFormat(f *engine.Forrest, name string) string {
	if t := f.Tree(name); t != nil {
		return adapter.Format(t.Spec)
	}
	return ""
}

func contentType(format string) string {
	switch format {
	case "json":
		return "application/json"
	case "yaml", "yml":
		return "application/yaml"
	default:
		return "text/plain; charset=utf-8"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: http.StatusText(status), Message: err.Error()},
	})
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
