package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/linnemanlabs/underwrite/internal/tools"
	"github.com/linnemanlabs/underwrite/internal/triage"
)

// finalizeExchange is a full interactive triage conversation: the model lists
// the inputs, finalizes one, retries after the dispatcher rejects the repeat
// and then answers in text.
func finalizeExchange() []triage.Message {
	return []triage.Message{
		{Role: "user", Content: []triage.ContentBlock{{Type: "text", Text: "which submissions are waiting?"}}},
		{Role: "assistant", Content: []triage.ContentBlock{
			{Type: "text", Text: "Let me check the inputs folder."},
			{Type: "tool_use", ID: "tu-list", Name: tools.NameListSubmissions},
		}},
		{Role: "user", Content: []triage.ContentBlock{
			{Type: "tool_result", ToolUseID: "tu-list", Content: "1. submission_A_high.xml\n2. submission_B.xml"},
		}},
		{Role: "assistant", Content: []triage.ContentBlock{
			{Type: "tool_use", ID: "tu-fin-1", Name: tools.NameFinalizeTriage,
				Input: json.RawMessage(`{"file_name":"submission_A_high.xml","user_confirmation_notes":"roof inspected"}`)},
			{Type: "tool_use", ID: "tu-fin-2", Name: tools.NameFinalizeTriage,
				Input: json.RawMessage(`{"file_name":"submission_A_high.xml"}`)},
		}},
		{Role: "user", Content: []triage.ContentBlock{
			{Type: "tool_result", ToolUseID: "tu-fin-1", Content: `{"submissionId": "submission_A_high.xml", "finalPriority": "MAX_PRIORITY"}`},
			{Type: "tool_result", ToolUseID: "tu-fin-2", Content: "tool error: session already finalized: interactive-1", IsError: true},
		}},
	}
}

func TestToSDKMessages_FinalizeExchange(t *testing.T) {
	t.Parallel()

	got := toSDKMessages(finalizeExchange())
	if len(got) != 5 {
		t.Fatalf("messages = %d, want 5", len(got))
	}

	wantRoles := []anthropic.MessageParamRole{
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
		anthropic.MessageParamRoleAssistant,
		anthropic.MessageParamRoleUser,
	}
	for i, m := range got {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}

	if txt := got[0].Content[0].OfText; txt == nil || txt.Text != "which submissions are waiting?" {
		t.Errorf("opening question = %+v", got[0].Content[0])
	}

	list := got[1].Content[1].OfToolUse
	if got[1].Content[0].OfText == nil || list == nil {
		t.Fatalf("list turn = %+v", got[1].Content)
	}
	if list.ID != "tu-list" || list.Name != tools.NameListSubmissions {
		t.Errorf("list tool_use = %+v", list)
	}
	// list_local_submissions takes no arguments; an empty object must still be sent
	if b, _ := json.Marshal(list.Input); string(b) != "{}" {
		t.Errorf("list input = %s, want {}", b)
	}

	if len(got[3].Content) != 2 {
		t.Fatalf("finalize turn blocks = %d, want 2", len(got[3].Content))
	}
	for i, id := range []string{"tu-fin-1", "tu-fin-2"} {
		u := got[3].Content[i].OfToolUse
		if u == nil || u.ID != id || u.Name != tools.NameFinalizeTriage {
			t.Errorf("finalize block %d = %+v", i, got[3].Content[i])
		}
	}

	ok := got[4].Content[0].OfToolResult
	rejected := got[4].Content[1].OfToolResult
	if ok == nil || rejected == nil {
		t.Fatalf("results = %+v", got[4].Content)
	}
	if ok.ToolUseID != "tu-fin-1" || (ok.IsError.Valid() && ok.IsError.Value) {
		t.Errorf("successful finalize result = %+v", ok)
	}
	if rejected.ToolUseID != "tu-fin-2" || !rejected.IsError.Valid() || !rejected.IsError.Value {
		t.Errorf("rejected finalize result = %+v", rejected)
	}
}

func TestToSDKMessages_DropsUnknownBlocks(t *testing.T) {
	t.Parallel()

	got := toSDKMessages([]triage.Message{{
		Role: "assistant",
		Content: []triage.ContentBlock{
			{Type: "thinking", Text: "weighing the flood zone"},
			{Type: "text", Text: "Medium risk."},
		},
	}})
	if len(got[0].Content) != 1 || got[0].Content[0].OfText == nil {
		t.Errorf("content = %+v, want only the text block", got[0].Content)
	}
}

func TestToSDKTools(t *testing.T) {
	t.Parallel()

	result := toSDKTools(tools.Defs())
	if len(result) != len(tools.Defs()) {
		t.Fatalf("len = %d, want %d", len(result), len(tools.Defs()))
	}

	byName := map[string]*anthropic.ToolParam{}
	for i, r := range result {
		if r.OfTool == nil {
			t.Fatalf("tool %d is not a custom tool", i)
		}
		if r.OfTool.InputSchema.Properties == nil {
			t.Errorf("%s: missing schema properties", r.OfTool.Name)
		}
		if !r.OfTool.Description.Valid() || r.OfTool.Description.Value == "" {
			t.Errorf("%s: missing description", r.OfTool.Name)
		}
		byName[r.OfTool.Name] = r.OfTool
	}

	if list := byName[tools.NameListSubmissions]; list == nil || len(list.InputSchema.Required) != 0 {
		t.Errorf("list tool = %+v", list)
	}
	fin := byName[tools.NameFinalizeTriage]
	if fin == nil {
		t.Fatal("finalize tool missing")
	}
	if req := strings.Join(fin.InputSchema.Required, ","); req != "file_name,user_confirmation_notes" {
		t.Errorf("finalize required = %v", fin.InputSchema.Required)
	}
}

func TestFromSDKResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       *anthropic.Message
		wantStop  triage.StopReason
		wantTypes []string
		wantTool  string
	}{
		{
			name: "risk recommendation",
			msg: &anthropic.Message{
				Model:      "claude-test",
				Content:    []anthropic.ContentBlockUnion{{Type: "text", Text: "I recommend High: $2.5M insured value."}},
				StopReason: anthropic.StopReasonEndTurn,
				Usage:      anthropic.Usage{InputTokens: 1234, OutputTokens: 56},
			},
			wantStop:  triage.StopEnd,
			wantTypes: []string{"text"},
		},
		{
			name: "finalize request",
			msg: &anthropic.Message{
				Content: []anthropic.ContentBlockUnion{
					{Type: "text", Text: "Saving the triage now."},
					{Type: "tool_use", ID: "tu-9", Name: tools.NameFinalizeTriage,
						Input: json.RawMessage(`{"file_name":"submission_B.xml"}`)},
				},
				StopReason: anthropic.StopReasonToolUse,
			},
			wantStop:  triage.StopToolUse,
			wantTypes: []string{"text", "tool_use"},
			wantTool:  tools.NameFinalizeTriage,
		},
		{
			name: "thinking is dropped",
			msg: &anthropic.Message{
				Content: []anthropic.ContentBlockUnion{
					{Type: "thinking", Thinking: "value is below the senior threshold"},
					{Type: "text", Text: "Standard queue."},
				},
				StopReason: anthropic.StopReason("max_tokens"),
			},
			wantStop:  triage.StopMaxTokens,
			wantTypes: []string{"text"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := fromSDKResponse(tt.msg)
			if got.StopReason != tt.wantStop {
				t.Errorf("stop reason = %q, want %q", got.StopReason, tt.wantStop)
			}
			if got.Usage.InputTokens != int(tt.msg.Usage.InputTokens) || got.Usage.OutputTokens != int(tt.msg.Usage.OutputTokens) {
				t.Errorf("usage = %+v", got.Usage)
			}
			if got.Model != string(tt.msg.Model) {
				t.Errorf("model = %q", got.Model)
			}
			types := make([]string, len(got.Content))
			for i, b := range got.Content {
				types[i] = b.Type
			}
			if strings.Join(types, ",") != strings.Join(tt.wantTypes, ",") {
				t.Fatalf("blocks = %v, want %v", types, tt.wantTypes)
			}
			if tt.wantTool != "" {
				u := got.Content[len(got.Content)-1]
				if u.Name != tt.wantTool || u.ID == "" || !json.Valid(u.Input) {
					t.Errorf("tool_use = %+v", u)
				}
			}
		})
	}
}

func TestSend_RoundTrip(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "Calling the tool."},
				{"type": "tool_use", "id": "tu-1", "name": "list_local_submissions", "input": {}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{APIKey: "test-key", Model: "claude-test", Temperature: 0.7, BaseURL: srv.URL + "/", RequestTimeout: 5 * time.Second})
	if c.Model() != "claude-test" {
		t.Errorf("Model = %q", c.Model())
	}

	resp, err := c.Send(context.Background(), &triage.LLMRequest{
		MaxTokens: 256,
		System:    "be brief",
		Messages:  []triage.Message{{Role: "user", Content: []triage.ContentBlock{{Type: "text", Text: "hi"}}}},
		Tools:     tools.Defs(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if resp.StopReason != triage.StopToolUse {
		t.Errorf("stop reason = %q, want tool_use", resp.StopReason)
	}
	if resp.Model != "claude-test" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if len(resp.Content) != 2 || resp.Content[1].Name != "list_local_submissions" {
		t.Fatalf("content = %+v", resp.Content)
	}

	if gotBody["model"] != "claude-test" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if gotBody["max_tokens"] != float64(256) {
		t.Errorf("request max_tokens = %v", gotBody["max_tokens"])
	}
	if gotBody["temperature"] != 0.7 {
		t.Errorf("request temperature = %v", gotBody["temperature"])
	}
	if toolsSent, _ := gotBody["tools"].([]any); len(toolsSent) != 2 {
		t.Errorf("request tools = %v", gotBody["tools"])
	}
}

func TestSend_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	}))
	t.Cleanup(srv.Close)

	c := New(Config{APIKey: "k", BaseURL: srv.URL + "/"})
	_, err := c.Send(context.Background(), &triage.LLMRequest{
		MaxTokens: 16,
		Messages:  []triage.Message{{Role: "user", Content: []triage.ContentBlock{{Type: "text", Text: "hi"}}}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v, want status code in message", err)
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()

	if got := New(Config{APIKey: "k"}).Model(); got != DefaultModel {
		t.Errorf("Model = %q, want %q", got, DefaultModel)
	}
}
