package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/retail-dashboard/internal/platform/config"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/status"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the status board with health and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime(ctx)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			if cmd.Flags().Changed("port") {
				rt.cfg.HTTP.Port = port
			}
			handler, err := rt.boardHandler(ctx)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", rt.cfg.HTTP.Port))
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			return rt.serve(ctx, ln, handler)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides http.port)")
	return cmd
}

// boardHandler wires the board, its alerts and the operational endpoints.
func (rt *runtime) boardHandler(ctx context.Context) (http.Handler, error) {
	alerts, err := rt.alerts(ctx)
	if err != nil {
		return nil, err
	}

	sc := rt.cfg.Status
	probes := make([]status.Probe, 0, len(sc.Probes))
	for _, p := range sc.Probes {
		probes = append(probes, status.Probe{Name: p.Name, URL: p.URL, ExpectedStatus: p.ExpectedStatus})
	}
	board := status.NewBoard(status.BoardConfig{
		Logger:        rt.logger,
		Alerts:        alerts,
		Probes:        probes,
		ProbeBaseURL:  sc.ProbeBaseURL,
		ProbeTimeout:  sc.ProbeTimeout,
		InactiveAfter: sc.InactiveAfter,
	})

	mux := http.NewServeMux()
	mux.Handle(status.Path, status.NewHandler(board, rt.logger))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rt.ready(r.Context()); err != nil {
			rt.logger.LogWarn(r.Context(), "readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	mux.Handle("/metrics", rt.metrics.Handler())

	return traced(rt.tracing.Tracer("http"), mux), nil
}

// traced opens a server span per request.
func traced(tracer observability.Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.StartSpan(r.Context(), r.Method+" "+r.URL.Path,
			observability.WithSpanKind(trace.SpanKindServer),
			observability.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ready pings Redis when a Redis-backed cache is configured.
func (rt *runtime) ready(ctx context.Context) error {
	if rt.cfg.Cache.Backend == config.CacheMemory {
		return nil
	}
	c, err := rt.responseCache()
	if err != nil {
		return err
	}
	if p, ok := c.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// serve runs the server on ln until ctx is cancelled, then drains it.
func (rt *runtime) serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	server := &http.Server{Handler: handler}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("HTTP server listening", "address", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		rt.logger.Info("shutdown signal received, gracefully stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
