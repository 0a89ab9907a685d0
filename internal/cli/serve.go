package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/i2y/odeon"
	"github.com/i2y/odeon/hooks"
	otelhooks "github.com/i2y/odeon/hooks/otel"
	"github.com/i2y/odeon/hooks/prom"
	"github.com/i2y/odeon/webhook"
)

const defaultAddr = ":8080"

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an engine node",
		Long: `Run an engine node: the job scheduler, the processes declared in the
config file and the HTTP admin surface. Instance jobs are delivered to
webhook.url as CloudEvents.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default "+defaultAddr+")")
	return cmd
}

func runServe(ctx context.Context, cfg *odeon.FileConfig, logOut io.Writer) error {
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promHooks, err := prom.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	chain := hooks.Chain{promHooks}

	if cfg.Tracing.Endpoint != "" {
		tp, err := setupTracing(ctx, cfg.Tracing)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				slog.Error("failed to shut down tracer provider", "error", err)
			}
		}()
		chain = append(chain, otelhooks.NewOTelHooks(tp))
	}

	opts := append(cfg.Options(), odeon.WithHooks(chain), odeon.WithMetricsGatherer(reg))
	app := odeon.NewApp(opts...)
	for _, def := range cfg.ProcessDefinitions() {
		if err := app.RegisterProcess(def); err != nil {
			return err
		}
	}

	if cfg.Webhook.URL == "" {
		return errors.New("webhook.url is required to serve")
	}
	whOpts := []webhook.Option{webhook.WithSource("odeon/" + app.NodeID())}
	if cfg.Webhook.Source != "" {
		whOpts[0] = webhook.WithSource(cfg.Webhook.Source)
	}
	if cfg.Webhook.Timeout > 0 {
		whOpts = append(whOpts, webhook.WithTimeout(cfg.Webhook.Timeout))
	}
	handler, err := webhook.New(cfg.Webhook.URL, whOpts...)
	if err != nil {
		return err
	}
	app.SetInstanceHandler(handler)

	if err := app.Start(ctx); err != nil {
		return err
	}

	listen := cfg.HTTP.Addr
	if listen == "" {
		listen = defaultAddr
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("odeon listening", "addr", listen, "node_id", app.NodeID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down", "node_id", app.NodeID())
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("engine shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return runErr
}

// newLogger builds the slog logger for the log section of the config.
func newLogger(cfg odeon.LogFileConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func setupTracing(ctx context.Context, cfg odeon.TracingFileConfig) (*sdktrace.TracerProvider, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "odeon"
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithTimeout(10 * time.Second),
		otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{Enabled: true}),
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	), nil
}
