package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/underwrite/internal/catalog"
	uc "github.com/linnemanlabs/underwrite/internal/cfg"
	"github.com/linnemanlabs/underwrite/internal/llm/claude"
	"github.com/linnemanlabs/underwrite/internal/notify/slack"
	"github.com/linnemanlabs/underwrite/internal/postgres"
	"github.com/linnemanlabs/underwrite/internal/triage"
	"github.com/linnemanlabs/underwrite/internal/triage/filestore"
	"github.com/linnemanlabs/underwrite/internal/triage/memstore"
	"github.com/linnemanlabs/underwrite/internal/triage/pgstore"
)

// settings groups the flag-backed config of every package the server uses.
type settings struct {
	app   uc.Config
	http  httpserver.Config
	mw    httpmw.Config
	log   log.Config
	ops   opshttp.Config
	prof  prof.Config
	trace otelx.Config
}

func (s *settings) register(fs *flag.FlagSet) {
	s.app.RegisterFlags(fs)
	s.http.RegisterFlags(fs)
	s.mw.RegisterFlags(fs)
	s.log.RegisterFlags(fs)
	s.ops.RegisterFlags(fs)
	s.prof.RegisterFlags(fs)
	s.trace.RegisterFlags(fs)
}

func (s *settings) validate() error {
	return errors.Join(
		s.app.Validate(),
		s.http.Validate(),
		s.mw.Validate(),
		s.log.Validate(),
		s.ops.Validate(),
		s.prof.Validate(),
		s.trace.Validate(),
	)
}

// newTriageService assembles the conversation stack on top of a catalog and
// record store. The session store is returned for shutdown reporting.
func newTriageService(ctx context.Context, L log.Logger, c *uc.Config, submissions *catalog.Dir, records triage.RecordStore, reg prometheus.Registerer) (*triage.Service, *triage.SessionStore) {
	var notifier triage.Notifier
	if c.SlackWebhookURL != "" {
		notifier = slack.New(c.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	provider := claude.New(claude.Config{
		APIKey:      c.ClaudeAPIKey,
		Model:       c.ClaudeModel,
		Temperature: c.Temperature,
		MaxRetries:  2,
	})
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", provider.Model())

	tm := triage.NewMetrics(reg)
	sessions := triage.NewSessionStore()
	dispatcher := triage.NewDispatcher(sessions, submissions, records, notifier, L, tm.DispatchHooks())
	engine := triage.NewEngine(provider, sessions, dispatcher, L, tm.Hooks(), triage.EngineOptions{
		MaxToolRounds:     c.MaxToolRounds,
		CompletionTimeout: c.CompletionTimeout(),
		MaxTokens:         c.MaxTokens,
		DisableTools:      c.DisableTools,
	})
	return triage.NewService(sessions, submissions, records, engine, dispatcher, L), sessions
}

// wrapAPI applies the outer middleware. The last wrapper applied sees the raw
// request first.
func wrapAPI(root http.Handler, L log.Logger, mw *httpmw.Config, instrument func(http.Handler) http.Handler) http.Handler {
	h := httpmw.WithLogger(L)(root)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// renamed to the route pattern once chi has matched
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: mw.TrustedProxyHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

// drain waits for the drain period so load balancers notice the failing
// readiness probe. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "sleeping for drain period", "drain", d.String())

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

type namedStop struct {
	name string
	fn   func(context.Context) error
}

// stopAll runs each stop func in order, each bounded by an equal slice of
// the total budget.
func stopAll(L log.Logger, budget time.Duration, stops ...namedStop) {
	if len(stops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	slice := budget / time.Duration(len(stops))
	for _, s := range stops {
		sctx, scancel := context.WithTimeout(ctx, slice)
		if err := s.fn(sctx); err != nil {
			L.Error(ctx, err, "shutdown failed", "component", s.name)
		}
		scancel()
	}
}

// openRecordStore builds the configured record store. The returned close
// function is always non-nil.
func openRecordStore(ctx context.Context, c *uc.Config) (triage.RecordStore, func(), error) {
	switch c.RecordStore {
	case uc.StoreMemory:
		return memstore.New(), func() {}, nil
	case uc.StorePostgres:
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		return s, pool.Close, nil
	case uc.StoreFile, "":
		s, err := filestore.New(c.OutputDir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown record store %q", c.RecordStore)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
