// internal/triage/engine.go
package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/underwrite/internal/tools"
)

var tracer = otel.Tracer("github.com/linnemanlabs/underwrite/internal/triage")

const (
	DefaultMaxToolRounds     = 10
	DefaultCompletionTimeout = 120 * time.Second
	ResponseTokens           = 4096
)

// Turn outcomes reported to EngineHooks.OnTurn.
const (
	TurnOK        = "ok"
	TurnTimeout   = "timeout"
	TurnToolLoop  = "tool_loop"
	TurnLLMError  = "llm_error"
	TurnStoreFail = "store_error"
)

// EngineHooks are optional callbacks for engine events, used for metrics and
// for front ends that echo tool activity.
type EngineHooks struct {
	OnLLMCall   func(inputTokens, outputTokens int, duration float64)
	// OnToolStart fires before a requested tool runs, OnToolCall after.
	OnToolStart func(name string)
	OnToolCall  func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnTurn      func(e *TurnEvent)
}

// TurnEvent summarises one ProcessUserTurn call.
type TurnEvent struct {
	SessionID string
	Outcome   string
	Duration  float64
	LLMCalls  int
	ToolCalls int
	TokensIn  int
	TokensOut int
}

// EngineOptions tune the turn loop. Zero values select the defaults.
type EngineOptions struct {
	MaxToolRounds     int
	CompletionTimeout time.Duration
	MaxTokens         int
	DisableTools      bool
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = DefaultMaxToolRounds
	}
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = DefaultCompletionTimeout
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = ResponseTokens
	}
	return o
}

// Engine runs conversation turns: it sends the running context to the LLM,
// dispatches tool requests through the Dispatcher and records the final
// assistant text in the session history.
type Engine struct {
	provider   Provider
	sessions   *SessionStore
	dispatcher *Dispatcher
	logger     log.Logger
	hooks      EngineHooks
	opts       EngineOptions
}

// NewEngine creates a new conversation engine with the given dependencies.
func NewEngine(provider Provider, sessions *SessionStore, dispatcher *Dispatcher, logger log.Logger, hooks EngineHooks, opts EngineOptions) *Engine {
	if provider == nil || sessions == nil || dispatcher == nil {
		panic(xerrors.New("provider, sessions and dispatcher are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		provider:   provider,
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger,
		hooks:      hooks,
		opts:       opts.withDefaults(),
	}
}

// ProcessUserTurn runs one turn of the conversation for a session and returns
// the assistant's reply. Turns on the same session are serialized.
func (e *Engine) ProcessUserTurn(ctx context.Context, sessionID, userText string) (string, error) {
	if strings.TrimSpace(userText) == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	release, err := e.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer release()
	return e.turn(ctx, sessionID, userText)
}

// turn runs a conversation turn. The caller must hold the session.
func (e *Engine) turn(ctx context.Context, sessionID, userText string) (string, error) {
	start := time.Now()
	ev := &TurnEvent{SessionID: sessionID, Outcome: TurnOK}
	defer func() {
		ev.Duration = time.Since(start).Seconds()
		if e.hooks.OnTurn != nil {
			e.hooks.OnTurn(ev)
		}
	}()

	sess, err := e.sessions.Get(sessionID)
	if err != nil {
		ev.Outcome = TurnStoreFail
		return "", err
	}

	L := e.logger.With("session_id", sessionID)

	if !sess.HasDocument() {
		if e.selectSubmission(ctx, L, sess, userText) {
			if sess, err = e.sessions.Get(sessionID); err != nil {
				ev.Outcome = TurnStoreFail
				return "", err
			}
		}
	}

	ctx, span := tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("underwrite.session.id", sessionID),
		attribute.String("underwrite.session.state", string(sess.State)),
		attribute.Int("underwrite.session.history_len", len(sess.History)),
	))
	defer span.End()

	messages := make([]Message, 0, 2*len(sess.History)+1)
	for _, t := range sess.History {
		messages = append(messages, textMessage("user", t.User), textMessage("assistant", t.Assistant))
	}
	messages = append(messages, textMessage("user", userText))

	var defs []tools.ToolDef
	if !e.opts.DisableTools {
		defs = tools.Defs()
	}
	system := buildSystemPrompt(sess)

	rounds := 0
	exhausted := false
	for {
		resp, err := e.call(ctx, sessionID, ev.LLMCalls, &LLMRequest{
			MaxTokens: e.opts.MaxTokens,
			System:    system,
			Messages:  messages,
			Tools:     defs,
		})
		ev.LLMCalls++
		if err != nil {
			ev.Outcome = TurnLLMError
			if errors.Is(err, ErrCompletionTimeout) {
				ev.Outcome = TurnTimeout
			}
			L.Error(ctx, err, "llm call failed", "llm_calls", ev.LLMCalls)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		ev.TokensIn += resp.Usage.InputTokens
		ev.TokensOut += resp.Usage.OutputTokens

		uses := resp.toolUses()
		if len(uses) == 0 {
			reply := resp.text()
			if err := e.sessions.AppendTurn(sessionID, userText, reply); err != nil {
				ev.Outcome = TurnStoreFail
				return "", err
			}
			L.Info(ctx, "turn complete",
				"stop_reason", resp.StopReason,
				"llm_calls", ev.LLMCalls,
				"tool_calls", ev.ToolCalls,
				"input_tokens", ev.TokensIn,
				"output_tokens", ev.TokensOut,
			)
			span.SetAttributes(
				attribute.Int("underwrite.turn.llm_calls", ev.LLMCalls),
				attribute.Int("underwrite.turn.tool_calls", ev.ToolCalls),
			)
			return reply, nil
		}

		if exhausted {
			ev.Outcome = TurnToolLoop
			err := fmt.Errorf("%w: %d rounds", ErrToolLoopExceeded, e.opts.MaxToolRounds)
			L.Warn(ctx, "model kept calling tools after the round limit", "limit", e.opts.MaxToolRounds)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		rounds++
		exhausted = rounds > e.opts.MaxToolRounds

		results := make([]ContentBlock, 0, len(uses))
		for _, u := range uses {
			if exhausted {
				results = append(results, ContentBlock{
					Type:      "tool_result",
					ToolUseID: u.ID,
					Content:   fmt.Sprintf("%v: reply to the user in text without calling tools", ErrToolLoopExceeded),
					IsError:   true,
				})
				continue
			}
			ev.ToolCalls++
			results = append(results, e.executeTool(ctx, L, sessionID, u))
		}
		if exhausted {
			L.Warn(ctx, "tool round limit reached", "limit", e.opts.MaxToolRounds)
		}

		messages = append(messages, Message{Role: "user", Content: results})
	}
}

// call sends one request to the provider under the completion timeout.
func (e *Engine) call(ctx context.Context, sessionID string, seq int, req *LLMRequest) (*LLMResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("underwrite.session.id", sessionID),
		attribute.Int("underwrite.chat.seq", seq),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
	))
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("messages", len(req.Messages)),
		attribute.Int("tools", len(req.Tools)),
	))

	cctx, cancel := context.WithTimeout(ctx, e.opts.CompletionTimeout)
	defer cancel()

	t0 := time.Now()
	resp, err := e.provider.Send(cctx, req)
	dur := time.Since(t0).Seconds()
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded)) {
			err = fmt.Errorf("%w after %s: %w", ErrCompletionTimeout, e.opts.CompletionTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if e.hooks.OnLLMCall != nil {
		e.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("stop_reason", string(resp.StopReason)),
		attribute.Int("content_blocks", len(resp.Content)),
	))
	return resp, nil
}

// executeTool decodes and dispatches one tool_use block. Every failure is
// returned to the model as an error tool_result.
func (e *Engine) executeTool(ctx context.Context, L log.Logger, sessionID string, u ContentBlock) ContentBlock {
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.tool.name", u.Name),
		attribute.String("gen_ai.tool.call.id", u.ID),
		attribute.String("underwrite.session.id", sessionID),
	))
	defer span.End()

	L.Info(ctx, "executing tool", "tool", u.Name)
	if e.hooks.OnToolStart != nil {
		e.hooks.OnToolStart(u.Name)
	}

	t0 := time.Now()
	out, err := e.dispatch(ctx, sessionID, u)
	dur := time.Since(t0).Seconds()

	if e.hooks.OnToolCall != nil {
		e.hooks.OnToolCall(u.Name, dur, len(u.Input), len(out), err != nil)
	}

	if err != nil {
		L.Warn(ctx, "tool execution failed", "tool", u.Name, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ContentBlock{
			Type:      "tool_result",
			ToolUseID: u.ID,
			Content:   fmt.Sprintf("tool error: %v", err),
			IsError:   true,
		}
	}

	span.SetAttributes(attribute.Int("underwrite.tool.output_bytes", len(out)))
	return ContentBlock{
		Type:      "tool_result",
		ToolUseID: u.ID,
		Content:   out,
	}
}

func (e *Engine) dispatch(ctx context.Context, sessionID string, u ContentBlock) (string, error) {
	req, err := tools.Parse(u.Name, u.Input)
	if err != nil {
		return "", err
	}
	return e.dispatcher.Dispatch(ctx, sessionID, req)
}

// selectSubmission attaches the document of a catalog submission named in
// userText to a session that has none. The longest matching name wins.
func (e *Engine) selectSubmission(ctx context.Context, L log.Logger, sess *Session, userText string) bool {
	var match string
	for _, name := range e.dispatcher.catalog.List(ctx) {
		if len(name) > len(match) && (strings.Contains(userText, name) || strings.Contains(userText, SubmissionID(name))) {
			match = name
		}
	}
	if match == "" {
		return false
	}
	doc, err := e.dispatcher.catalog.Read(ctx, match)
	if err != nil {
		L.Warn(ctx, "failed to read selected submission", "file", match, "error", err)
		return false
	}
	if err := e.sessions.AttachDocument(sess.ID, doc); err != nil {
		L.Warn(ctx, "failed to attach submission", "file", match, "error", err)
		return false
	}
	L.Info(ctx, "submission selected", "file", match)
	return true
}
