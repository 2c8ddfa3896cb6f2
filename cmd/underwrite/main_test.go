package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/linnemanlabs/underwrite/internal/triage"
)

type scriptedMessenger struct {
	got      []string
	sessions []string
	replies  map[string]string
	fail     map[string]error
	// finalizing messages mark the current session finalized
	finalizing map[string]bool
	finalized  map[string]bool
}

func (m *scriptedMessenger) StartInteractive(context.Context) (*triage.Session, error) {
	id := fmt.Sprintf("interactive-%d", len(m.sessions)+1)
	m.sessions = append(m.sessions, id)
	return &triage.Session{ID: id, State: triage.StateAwaitingSelection}, nil
}

func (m *scriptedMessenger) Session(_ context.Context, id string) (*triage.Session, error) {
	return &triage.Session{ID: id, Finalized: m.finalized[id]}, nil
}

func (m *scriptedMessenger) SendMessage(_ context.Context, id, msg string) (string, error) {
	m.got = append(m.got, id+":"+msg)
	if err := m.fail[msg]; err != nil {
		return "", err
	}
	if m.finalizing[msg] {
		if m.finalized == nil {
			m.finalized = map[string]bool{}
		}
		m.finalized[id] = true
	}
	return m.replies[msg], nil
}

func TestRepl_ConversationAndExit(t *testing.T) {
	t.Parallel()

	svc := &scriptedMessenger{
		replies: map[string]string{"list files": "1. a.xml", "pick a.xml": "Looks medium."},
		fail:    map[string]error{"boom": errors.New("completion timed out")},
	}
	in := strings.NewReader("list files\n\n   \nboom\npick a.xml\nQUIT\nnever sent\n")
	var out bytes.Buffer

	if err := repl(context.Background(), in, &out, svc); err != nil {
		t.Fatalf("repl: %v", err)
	}

	want := []string{"interactive-1:list files", "interactive-1:boom", "interactive-1:pick a.xml"}
	if strings.Join(svc.got, "|") != strings.Join(want, "|") {
		t.Errorf("messages = %q, want %q", svc.got, want)
	}

	text := out.String()
	for _, sub := range []string{
		"=== Interactive Triage Agent ===",
		"Agent: 1. a.xml",
		"Error: completion timed out",
		"Agent: Looks medium.",
		"Goodbye!",
	} {
		if !strings.Contains(text, sub) {
			t.Errorf("output missing %q:\n%s", sub, text)
		}
	}
}

func TestRepl_EOF(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := repl(context.Background(), strings.NewReader("hello"), &out, &scriptedMessenger{}); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if !strings.Contains(out.String(), "Goodbye!") {
		t.Errorf("output = %q, want Goodbye", out.String())
	}
}

func TestRepl_NewSessionAfterFinalize(t *testing.T) {
	t.Parallel()

	svc := &scriptedMessenger{
		replies:    map[string]string{"yes, proceed": `{"finalPriority":"MAX_PRIORITY"}`},
		finalizing: map[string]bool{"yes, proceed": true},
	}
	in := strings.NewReader("yes, proceed\nnext one\nexit\n")
	var out bytes.Buffer

	if err := repl(context.Background(), in, &out, svc); err != nil {
		t.Fatalf("repl: %v", err)
	}

	want := []string{"interactive-1:yes, proceed", "interactive-2:next one"}
	if strings.Join(svc.got, "|") != strings.Join(want, "|") {
		t.Errorf("messages = %q, want %q", svc.got, want)
	}
	if !strings.Contains(out.String(), "[Triage saved.") {
		t.Errorf("output missing new-session notice:\n%s", out.String())
	}
}

func TestIsExit(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"exit", "quit", "q", "EXIT", "Quit", "Q"} {
		if !isExit(s) {
			t.Errorf("isExit(%q) = false", s)
		}
	}
	for _, s := range []string{"", "quitting", "exit now", "list"} {
		if isExit(s) {
			t.Errorf("isExit(%q) = true", s)
		}
	}
}
