// JSON codec for Events. Segments are stored as objects carrying a "kind"
// discriminator. Decoding prefers the discriminator and falls back to shape
// sniffing for rows persisted before the discriminator existed.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarshalJSON encodes the event with discriminated segment objects.
func (e Event) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(e.Segments))
	for i, s := range e.Segments {
		data, err := marshalSegment(s)
		if err != nil {
			return nil, fmt.Errorf("encode segments[%d]: %w", i, err)
		}
		raw = append(raw, data)
	}
	type alias struct {
		ID           string            `json:"id"`
		Role         Role              `json:"role"`
		Segments     []json.RawMessage `json:"segments"`
		Ts           int64             `json:"ts"`
		ResponseMeta *ResponseMeta     `json:"response_metadata,omitempty"`
	}
	return json.Marshal(alias{
		ID:           e.ID,
		Role:         e.Role,
		Segments:     raw,
		Ts:           e.Ts,
		ResponseMeta: e.ResponseMeta,
	})
}

// UnmarshalJSON decodes an event while materializing concrete Segment
// implementations stored in the Segments slice.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias struct {
		ID           string            `json:"id"`
		Role         Role              `json:"role"`
		Segments     []json.RawMessage `json:"segments"`
		Ts           int64             `json:"ts"`
		ResponseMeta *ResponseMeta     `json:"response_metadata"`
	}
	var tmp alias
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	e.ID = tmp.ID
	e.Role = tmp.Role
	e.Ts = tmp.Ts
	e.ResponseMeta = tmp.ResponseMeta
	if len(tmp.Segments) == 0 {
		e.Segments = nil
		return nil
	}
	e.Segments = make([]Segment, 0, len(tmp.Segments))
	for i, raw := range tmp.Segments {
		seg, err := decodeSegment(raw)
		if err != nil {
			return fmt.Errorf("decode segments[%d]: %w", i, err)
		}
		e.Segments = append(e.Segments, seg)
	}
	return nil
}

func marshalSegment(s Segment) (json.RawMessage, error) {
	switch v := s.(type) {
	case TextSegment:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			TextSegment
		}{KindText, v})
	case ToolCallSegment:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			ToolCallSegment
		}{KindToolCall, v})
	case ToolResultSegment:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			ToolResultSegment
		}{KindToolResult, v})
	case ReasoningSegment:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			ReasoningSegment
		}{KindReasoning, v})
	case WebSearchCallSegment:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			WebSearchCallSegment
		}{KindWebSearchCall, v})
	case CodeInterpreterCallSegment:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			CodeInterpreterCallSegment
		}{KindCodeInterpreterCall, v})
	default:
		return nil, fmt.Errorf("unknown segment type %T", s)
	}
}

func decodeSegment(raw json.RawMessage) (Segment, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		var text string
		if errText := json.Unmarshal(raw, &text); errText == nil {
			return TextSegment{Text: text}, nil
		}
		return nil, fmt.Errorf("decode segment object: %w", err)
	}
	if len(obj) == 0 {
		return nil, errors.New("empty segment payload")
	}

	if kindRaw, ok := obj["kind"]; ok {
		var kind Kind
		if err := json.Unmarshal(kindRaw, &kind); err != nil {
			return nil, fmt.Errorf("decode kind: %w", err)
		}
		return decodeKnownSegment(kind, raw)
	}

	// Legacy rows without a discriminator: sniff by distinguishing fields.
	switch {
	case hasKey(obj, "tool_call_id"):
		return decodeKnownSegment(KindToolResult, raw)
	case hasKey(obj, "parts"):
		return decodeKnownSegment(KindReasoning, raw)
	case hasKey(obj, "name"):
		return decodeKnownSegment(KindToolCall, raw)
	case hasKey(obj, "code"), hasKey(obj, "query"):
		if hasKey(obj, "code") {
			return decodeKnownSegment(KindCodeInterpreterCall, raw)
		}
		return decodeKnownSegment(KindWebSearchCall, raw)
	case hasKey(obj, "text"):
		return decodeKnownSegment(KindText, raw)
	}
	return nil, errors.New("unknown segment shape")
}

func decodeKnownSegment(kind Kind, raw json.RawMessage) (Segment, error) {
	switch kind {
	case KindText:
		var v TextSegment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode TextSegment: %w", err)
		}
		return v, nil
	case KindToolCall:
		var v ToolCallSegment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode ToolCallSegment: %w", err)
		}
		if v.ID == "" {
			return nil, errors.New("ToolCallSegment requires id")
		}
		return v, nil
	case KindToolResult:
		var v ToolResultSegment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode ToolResultSegment: %w", err)
		}
		if v.ToolCallID == "" {
			return nil, errors.New("ToolResultSegment requires tool_call_id")
		}
		return v, nil
	case KindReasoning:
		var v ReasoningSegment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode ReasoningSegment: %w", err)
		}
		return v, nil
	case KindWebSearchCall:
		var v WebSearchCallSegment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode WebSearchCallSegment: %w", err)
		}
		return v, nil
	case KindCodeInterpreterCall:
		var v CodeInterpreterCallSegment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode CodeInterpreterCallSegment: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown segment kind %q", kind)
	}
}

func hasKey(obj map[string]json.RawMessage, key string) bool {
	_, ok := obj[key]
	return ok
}
