// Package tools defines the tools underwrite offers to the AI during a triage
// conversation and decodes the model's invocation requests into a closed set
// of typed requests.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Tool names as advertised to the model.
const (
	NameListSubmissions = "list_local_submissions"
	NameFinalizeTriage  = "final_triage_and_transform"
)

var (
	// ErrUnknownTool is returned by Parse for a name that is not advertised.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments is returned by Parse when arguments do not decode.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ToolDef is the format for tool definitions expected by the AI API.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a decoded tool invocation. Implementations are limited to this
// package so a switch over them is exhaustive.
type Request interface {
	ToolName() string
	isRequest()
}

// ListSubmissions asks for the submission documents available for triage.
type ListSubmissions struct{}

// FinalizeTriage asks to commit the triage decision for a submission file.
type FinalizeTriage struct {
	FileName  string
	UserNotes string
}

func (ListSubmissions) ToolName() string { return NameListSubmissions }
func (ListSubmissions) isRequest()       {}

func (FinalizeTriage) ToolName() string { return NameFinalizeTriage }
func (FinalizeTriage) isRequest()       {}

// Defs returns the definitions of every tool, in a stable order.
func Defs() []ToolDef {
	return []ToolDef{
		{
			Name:        NameListSubmissions,
			Description: "Lists the XML submission file names available in the local inputs folder.",
			InputSchema: json.RawMessage(`{
        "type": "object",
        "properties": {}
    }`),
		},
		{
			Name: NameFinalizeTriage,
			Description: `Performs the final transformation of a submission to JSON, writes the result to the outputs folder, and returns the JSON content.
Only call this after the user has given clear confirmation.`,
			InputSchema: json.RawMessage(`{
        "type": "object",
        "properties": {
            "file_name": {
                "type": "string",
                "description": "The name of the submission file to process"
            },
            "user_confirmation_notes": {
                "type": "string",
                "description": "User confirmation notes"
            }
        },
        "required": ["file_name", "user_confirmation_notes"]
    }`),
		},
	}
}

// Parse decodes a named invocation into a Request. Argument values are read
// as strings; non-string values are rendered with their JSON text.
func Parse(name string, input json.RawMessage) (Request, error) {
	switch name {
	case NameListSubmissions:
		return ListSubmissions{}, nil
	case NameFinalizeTriage:
		args, err := stringArgs(input)
		if err != nil {
			return nil, err
		}
		fileName := strings.TrimSpace(args["file_name"])
		if fileName == "" {
			return nil, fmt.Errorf("%w: file_name is required", ErrInvalidArguments)
		}
		return FinalizeTriage{
			FileName:  fileName,
			UserNotes: args["user_confirmation_notes"],
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

func stringArgs(input json.RawMessage) (map[string]string, error) {
	out := make(map[string]string)
	if len(input) == 0 {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		if string(v) == "null" {
			continue
		}
		out[k] = string(v)
	}
	return out, nil
}
