// Underwrite serves conversational insurance submission triage over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/underwrite/internal/authmw"
	"github.com/linnemanlabs/underwrite/internal/catalog"
	"github.com/linnemanlabs/underwrite/internal/postgres"
	"github.com/linnemanlabs/underwrite/internal/triageapi"
)

const (
	appName   = "underwrite"
	component = "server"
	envPrefix = "UNDERWRITE_"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var st settings
	st.register(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		dirty := vi.VCSDirty != nil && *vi.VCSDirty
		fmt.Printf("%s (%s) %s commit=%s commit_date=%s build_id=%s build_date=%s go=%s dirty=%v\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion, dirty)
		return nil
	}

	// .env seeds the environment; real environment variables win over it,
	// flags win over both
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := st.validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if st.app.APIPort == st.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", st.app.APIPort)
	}

	lg, err := log.New(st.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", st.app.APIPort,
		"admin_port", st.ops.Port,
		"claude_model", st.app.ClaudeModel,
		"record_store", st.app.RecordStore,
		"input_dir", st.app.InputDir,
		"max_tool_rounds", st.app.MaxToolRounds,
		"disable_tools", st.app.DisableTools,
		"api_auth", st.app.APIToken != "",
		"enable_pyroscope", st.prof.EnablePyroscope,
		"enable_tracing", st.trace.EnableTracing,
		"otlp_endpoint", st.trace.OTLPEndpoint,
		"trusted_proxy_hops", st.mw.TrustedProxyHops,
	)

	profOpts := st.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", st.prof.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	traceOpts := st.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to profiles: span IDs are attached as pyroscope labels.
	if profErr == nil && st.prof.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && st.prof.EnablePyroscope)

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "underwrite_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, op, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(op, route, outcome).Observe(dur.Seconds())
		},
	))

	records, closeRecords, err := openRecordStore(ctx, &st.app)
	if err != nil {
		return err
	}
	defer closeRecords()
	L.Info(ctx, "record store ready", "kind", st.app.RecordStore)

	submissions := catalog.New(st.app.InputDir, L)
	if st.app.WatchInputs {
		go func() {
			if err := submissions.Watch(ctx); err != nil {
				L.Warn(ctx, "submission watcher disabled", "dir", st.app.InputDir, "error", err)
			}
		}()
	}

	triageSvc, sessions := newTriageService(ctx, L, &st.app, submissions, records, m.Registry())

	// fails readiness during shutdown so the load balancer drains us first
	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := st.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := triageapi.New(L, triageSvc)
	r.Group(func(r chi.Router) {
		if st.app.APIToken != "" {
			r.Use(authmw.Tokens(st.app.APIToken))
		}
		api.RegisterRoutes(r)
	})

	h := wrapAPI(r, L, &st.mw, func(next http.Handler) http.Handler { return m.Middleware(next) })

	apiOpts, err := st.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", st.app.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// not fatal, systemd kills us after its start timeout at worst
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drain(L, time.Duration(st.app.DrainSeconds)*time.Second)
	stopAll(L, time.Duration(st.app.ShutdownBudgetSeconds)*time.Second,
		namedStop{"api http server", apiHTTPStop},
		namedStop{"ops http server", opsHTTPStop},
		namedStop{"otel", shutdownOtelx},
	)

	L.Info(context.Background(), "shutdown complete", "sessions", sessions.Len())
	return nil
}
