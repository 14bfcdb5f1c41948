// Package transcript rebuilds the provider requests that produced each
// assistant turn of a conversation. Steps replay the event log through the
// provider transform rules into neutral JSON payloads, which the export
// subpackage renders into runnable reproduction scripts.
package transcript

import (
	"encoding/json"
	"fmt"

	"github.com/budchat/budchat/events"
	"github.com/budchat/budchat/providers"
)

type (
	// Context carries the request parameters that apply to every step.
	Context struct {
		// Provider selects the transform. Unknown names are hard errors.
		Provider providers.Name
		// Model is the model identifier recorded for the conversation.
		Model string
		// MaxTokens caps completions; required on the Anthropic surface.
		MaxTokens int
		// Tools lists function tools that were advertised.
		Tools []providers.ToolDefinition
		// ReasoningEffort and ReasoningSummary apply on the Responses
		// surface.
		ReasoningEffort  string
		ReasoningSummary string
		// ToolOutputCap caps stringified tool outputs. Zero applies the
		// surface default.
		ToolOutputCap int
	}

	// Step is one provider invocation reconstructed from the log.
	Step struct {
		// Index numbers the assistant turn, starting at 1.
		Index int
		// EventID is the assistant event the step reproduces.
		EventID string
		// Request is the JSON-shaped provider request payload.
		Request map[string]any
		// Response is the assistant event the request produced.
		Response events.Event
		// Warnings lists content the transform cannot represent.
		Warnings []string
	}
)

// Warning texts attached to steps.
const (
	WarnReasoningDropped = "reasoning content is not representable in this provider's request format and was omitted"
	WarnBuiltInDropped   = "built-in tool call items were omitted; they cannot be replayed"
	WarnNoReasoningID    = "reasoning segment without a provider item id was omitted"
)

// Build reconstructs one Step per non-placeholder assistant event. Each
// step's request renders every event preceding the assistant turn through
// the provider transform, so running the steps in order reproduces the
// conversation.
func Build(evs []events.Event, tc Context) ([]Step, error) {
	if !providers.Valid(tc.Provider) {
		return nil, fmt.Errorf("%w: %q", providers.ErrUnknownProvider, tc.Provider)
	}
	var steps []Step
	for i, e := range evs {
		if e.Role != events.RoleAssistant || events.IsPlaceholder(e) {
			continue
		}
		req, warnings, err := encodeRequest(evs[:i], tc)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", len(steps)+1, err)
		}
		steps = append(steps, Step{
			Index:    len(steps) + 1,
			EventID:  e.ID,
			Request:  req,
			Response: e.Clone(),
			Warnings: warnings,
		})
	}
	return steps, nil
}

func encodeRequest(history []events.Event, tc Context) (map[string]any, []string, error) {
	switch tc.Provider {
	case providers.Anthropic:
		return encodeAnthropic(history, tc)
	case providers.OpenAIChat:
		return encodeChat(history, tc)
	case providers.OpenAIResponses:
		return encodeResponses(history, tc)
	default:
		return nil, nil, fmt.Errorf("%w: %q", providers.ErrUnknownProvider, tc.Provider)
	}
}

// dedupe drops placeholder assistant events and repeated event ids,
// mirroring the live adapters.
func dedupe(history []events.Event) []events.Event {
	seen := make(map[string]bool, len(history))
	out := make([]events.Event, 0, len(history))
	for _, e := range history {
		if e.ID != "" && seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if events.IsPlaceholder(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func encodeAnthropic(history []events.Event, tc Context) (map[string]any, []string, error) {
	var warnings []string
	var msgs []any
	system := ""
	for _, e := range dedupe(history) {
		if e.Role == events.RoleSystem {
			if t := e.Text(); t != "" {
				if system != "" {
					system += "\n\n"
				}
				system += t
			}
			continue
		}
		var content []any
		for _, s := range e.Segments {
			switch seg := s.(type) {
			case events.TextSegment:
				if seg.Text != "" {
					content = append(content, map[string]any{"type": "text", "text": seg.Text})
				}
			case events.ToolCallSegment:
				args := seg.Args
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, map[string]any{
					"type":  "tool_use",
					"id":    seg.ID,
					"name":  seg.Name,
					"input": args,
				})
			case events.ToolResultSegment:
				block := map[string]any{
					"type":        "tool_result",
					"tool_use_id": seg.ToolCallID,
					"content":     providers.Truncate(stringify(seg.Output, seg.Error), tc.toolOutputCap()),
				}
				if seg.Error != "" {
					block["is_error"] = true
				}
				content = append(content, block)
			case events.ReasoningSegment:
				warnings = appendWarning(warnings, WarnReasoningDropped)
			case events.WebSearchCallSegment, events.CodeInterpreterCallSegment:
				warnings = appendWarning(warnings, WarnBuiltInDropped)
			}
		}
		if len(content) == 0 {
			continue
		}
		role := string(e.Role)
		if e.Role == events.RoleTool {
			role = "user"
		}
		msgs = append(msgs, map[string]any{"role": role, "content": content})
	}
	payload := map[string]any{
		"model":    tc.Model,
		"messages": msgs,
	}
	if system != "" {
		payload["system"] = system
	}
	maxTokens := tc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload["max_tokens"] = maxTokens
	if tools := anthropicTools(tc.Tools); len(tools) > 0 {
		payload["tools"] = tools
	}
	return payload, warnings, nil
}

func encodeChat(history []events.Event, tc Context) (map[string]any, []string, error) {
	var warnings []string
	var msgs []any
	for _, e := range dedupe(history) {
		switch e.Role {
		case events.RoleSystem, events.RoleUser:
			if t := e.Text(); t != "" {
				msgs = append(msgs, map[string]any{"role": string(e.Role), "content": t})
			}
		case events.RoleAssistant:
			text := ""
			var toolCalls []any
			for _, s := range e.Segments {
				switch seg := s.(type) {
				case events.TextSegment:
					text += seg.Text
				case events.ToolCallSegment:
					args, err := marshalArgs(seg.Args)
					if err != nil {
						return nil, nil, err
					}
					toolCalls = append(toolCalls, map[string]any{
						"id":   seg.ID,
						"type": "function",
						"function": map[string]any{
							"name":      seg.Name,
							"arguments": args,
						},
					})
				case events.ReasoningSegment:
					warnings = appendWarning(warnings, WarnReasoningDropped)
				case events.WebSearchCallSegment, events.CodeInterpreterCallSegment:
					warnings = appendWarning(warnings, WarnBuiltInDropped)
				}
			}
			if text == "" && len(toolCalls) == 0 {
				continue
			}
			msg := map[string]any{"role": "assistant"}
			if text != "" || len(toolCalls) == 0 {
				msg["content"] = text
			}
			if len(toolCalls) > 0 {
				msg["tool_calls"] = toolCalls
			}
			msgs = append(msgs, msg)
		case events.RoleTool:
			for _, s := range e.Segments {
				if tr, ok := s.(events.ToolResultSegment); ok {
					msgs = append(msgs, map[string]any{
						"role":         "tool",
						"tool_call_id": tr.ToolCallID,
						"content":      providers.Truncate(stringify(tr.Output, tr.Error), tc.toolOutputCap()),
					})
				}
			}
		}
	}
	payload := map[string]any{
		"model":    tc.Model,
		"messages": msgs,
	}
	if tc.MaxTokens > 0 {
		payload["max_tokens"] = tc.MaxTokens
	}
	if tools := chatTools(tc.Tools); len(tools) > 0 {
		payload["tools"] = tools
	}
	return payload, warnings, nil
}

func encodeResponses(history []events.Event, tc Context) (map[string]any, []string, error) {
	var warnings []string
	var input []any
	msgIndex := 0
	textMessage := func(role, text string) map[string]any {
		contentType := "input_text"
		if role == "assistant" {
			contentType = "output_text"
		}
		item := map[string]any{
			"id":      fmt.Sprintf("msg_%d", msgIndex),
			"type":    "message",
			"role":    role,
			"content": []any{map[string]any{"type": contentType, "text": text}},
		}
		msgIndex++
		return item
	}
	for _, e := range dedupe(history) {
		switch e.Role {
		case events.RoleSystem, events.RoleUser:
			if t := e.Text(); t != "" {
				input = append(input, textMessage(string(e.Role), t))
			}
		case events.RoleAssistant:
			for _, s := range e.Segments {
				switch seg := s.(type) {
				case events.ReasoningSegment:
					if seg.ItemID == "" {
						warnings = appendWarning(warnings, WarnNoReasoningID)
						continue
					}
					var summary []any
					for _, part := range seg.Parts {
						summary = append(summary, map[string]any{
							"type": "summary_text",
							"text": part.Text,
						})
					}
					if summary == nil {
						summary = []any{map[string]any{"type": "summary_text", "text": ""}}
					}
					input = append(input, map[string]any{
						"id":      seg.ItemID,
						"type":    "reasoning",
						"summary": summary,
					})
				case events.TextSegment:
					if seg.Text == "" {
						continue
					}
					item := textMessage("assistant", seg.Text)
					if seg.ID != "" {
						item["id"] = seg.ID
					}
					input = append(input, item)
				case events.ToolCallSegment:
					args, err := marshalArgs(seg.Args)
					if err != nil {
						return nil, nil, err
					}
					if seg.ServerLabel != "" {
						item := map[string]any{
							"id":           seg.ID,
							"type":         "mcp_call",
							"name":         seg.Name,
							"arguments":    args,
							"server_label": seg.ServerLabel,
						}
						if seg.Output != nil {
							item["output"] = providers.Truncate(stringify(seg.Output, ""), tc.toolOutputCap())
						}
						if seg.Error != "" {
							item["error"] = seg.Error
						}
						input = append(input, item)
						continue
					}
					input = append(input, map[string]any{
						"type":      "function_call",
						"call_id":   seg.ID,
						"name":      seg.Name,
						"arguments": args,
					})
				case events.WebSearchCallSegment, events.CodeInterpreterCallSegment:
					warnings = appendWarning(warnings, WarnBuiltInDropped)
				}
			}
		case events.RoleTool:
			for _, s := range e.Segments {
				if tr, ok := s.(events.ToolResultSegment); ok {
					input = append(input, map[string]any{
						"type":    "function_call_output",
						"call_id": tr.ToolCallID,
						"output":  providers.Truncate(stringify(tr.Output, tr.Error), tc.toolOutputCap()),
					})
				}
			}
		}
	}
	payload := map[string]any{
		"model": tc.Model,
		"input": input,
	}
	if tc.MaxTokens > 0 {
		payload["max_output_tokens"] = tc.MaxTokens
	}
	effort := tc.ReasoningEffort
	if effort == "" {
		effort = "medium"
	}
	summary := tc.ReasoningSummary
	if summary == "" {
		summary = "auto"
	}
	payload["reasoning"] = map[string]any{"effort": effort, "summary": summary}
	if tools := responsesTools(tc.Tools); len(tools) > 0 {
		payload["tools"] = tools
	}
	return payload, warnings, nil
}

func (tc Context) toolOutputCap() int {
	if tc.ToolOutputCap > 0 {
		return tc.ToolOutputCap
	}
	if tc.Provider == providers.OpenAIResponses {
		return 50000
	}
	return 30000
}

func anthropicTools(defs []providers.ToolDefinition) []any {
	var out []any
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		tool := map[string]any{"name": def.Name}
		if def.Description != "" {
			tool["description"] = def.Description
		}
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tool["input_schema"] = schema
		out = append(out, tool)
	}
	return out
}

func chatTools(defs []providers.ToolDefinition) []any {
	var out []any
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := map[string]any{"name": def.Name}
		if def.Description != "" {
			fn["description"] = def.Description
		}
		if def.InputSchema != nil {
			fn["parameters"] = def.InputSchema
		}
		out = append(out, map[string]any{"type": "function", "function": fn})
	}
	return out
}

func responsesTools(defs []providers.ToolDefinition) []any {
	var out []any
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		tool := map[string]any{"type": "function", "name": def.Name}
		if def.Description != "" {
			tool["description"] = def.Description
		}
		if def.InputSchema != nil {
			tool["parameters"] = def.InputSchema
		}
		out = append(out, tool)
	}
	return out
}

func marshalArgs(args map[string]any) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal tool arguments: %w", err)
	}
	return string(data), nil
}

func stringify(output any, errMsg string) string {
	payload := output
	if errMsg != "" {
		if output == nil {
			payload = map[string]any{"error": errMsg}
		} else {
			payload = map[string]any{"output": output, "error": errMsg}
		}
	}
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func appendWarning(warnings []string, w string) []string {
	for _, existing := range warnings {
		if existing == w {
			return warnings
		}
	}
	return append(warnings, w)
}
