// Command underwrite is the terminal triage agent: a line-oriented
// conversation with the assistant over the local submission catalog.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/underwrite/internal/catalog"
	uc "github.com/linnemanlabs/underwrite/internal/cfg"
	"github.com/linnemanlabs/underwrite/internal/llm/claude"
	"github.com/linnemanlabs/underwrite/internal/triage"
	"github.com/linnemanlabs/underwrite/internal/triage/filestore"
	"github.com/linnemanlabs/underwrite/internal/triage/memstore"
)

const appName = "underwrite"
const component = "agent"

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

	var (
		appCfg uc.Config
		logCfg log.Config
	)
	appCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	cfg.FillFromEnv(flag.CommandLine, "UNDERWRITE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(appCfg.Validate(), logCfg.Validate()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	var records triage.RecordStore
	switch appCfg.RecordStore {
	case uc.StoreMemory:
		records = memstore.New()
	case uc.StoreFile:
		fsStore, err := filestore.New(appCfg.OutputDir)
		if err != nil {
			return err
		}
		records = fsStore
	default:
		return fmt.Errorf("record store %q is not supported by the terminal agent", appCfg.RecordStore)
	}

	out := os.Stdout
	submissions := catalog.New(appCfg.InputDir, L)
	provider := claude.New(claude.Config{
		APIKey:      appCfg.ClaudeAPIKey,
		Model:       appCfg.ClaudeModel,
		Temperature: appCfg.Temperature,
		MaxRetries:  2,
	})

	sessions := triage.NewSessionStore()
	dispatcher := triage.NewDispatcher(sessions, submissions, records, nil, L, triage.DispatchHooks{})
	engine := triage.NewEngine(provider, sessions, dispatcher, L, triage.EngineHooks{
		OnToolStart: func(name string) {
			fmt.Fprintf(out, "\n[Agent calling tool: %s]\n", name)
		},
	}, triage.EngineOptions{
		MaxToolRounds:     appCfg.MaxToolRounds,
		CompletionTimeout: appCfg.CompletionTimeout(),
		MaxTokens:         appCfg.MaxTokens,
		DisableTools:      appCfg.DisableTools,
	})
	svc := triage.NewService(sessions, submissions, records, engine, dispatcher, L)

	fmt.Fprintln(out, "Starting underwrite triage agent...")
	return repl(ctx, os.Stdin, out, svc)
}

// messenger is the part of triage.Service the loop talks to.
type messenger interface {
	StartInteractive(ctx context.Context) (*triage.Session, error)
	Session(ctx context.Context, sessionID string) (*triage.Session, error)
	SendMessage(ctx context.Context, sessionID, message string) (string, error)
}

func isExit(s string) bool {
	switch strings.ToLower(s) {
	case "exit", "quit", "q":
		return true
	}
	return false
}

// repl reads user lines until an exit word, EOF or cancellation. A failed
// turn is reported and the loop continues. Once a triage is finalized the
// conversation continues in a fresh session.
func repl(ctx context.Context, in io.Reader, out io.Writer, svc messenger) error {
	sess, err := svc.StartInteractive(ctx)
	if err != nil {
		return err
	}
	sessionID := sess.ID

	fmt.Fprintln(out, "\n=== Interactive Triage Agent ===")
	fmt.Fprintln(out, "Type 'exit' or 'quit' to end the session.")

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "\nYou: ")
		if !sc.Scan() {
			fmt.Fprintln(out, "\nGoodbye!")
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if isExit(line) {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}
		if line == "" {
			continue
		}

		reply, err := svc.SendMessage(ctx, sessionID, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "\nError: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "\nAgent: %s\n", reply)

		if cur, err := svc.Session(ctx, sessionID); err == nil && cur.Finalized {
			next, err := svc.StartInteractive(ctx)
			if err != nil {
				return err
			}
			sessionID = next.ID
			fmt.Fprintln(out, "\n[Triage saved. You can pick another submission.]")
		}
	}
}
