// Package export renders transcript steps into runnable Python scripts
// that reproduce the recorded provider calls, either through the vendor
// SDK or raw HTTP. Scripts read credentials from the environment and never
// embed keys.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/budchat/budchat/providers"
	"github.com/budchat/budchat/transcript"
)

// PythonSDK renders the steps as a Python script using the vendor SDK.
// Anthropic scripts replay every step so multi-turn tool conversations
// reproduce; OpenAI scripts replay the final recorded turn, whose input
// already contains the full history.
func PythonSDK(steps []transcript.Step, tc transcript.Context) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("export: no assistant turns to export")
	}
	switch tc.Provider {
	case providers.Anthropic:
		return anthropicSDK(steps), nil
	case providers.OpenAIChat:
		return openaiSDK(steps, "client.chat.completions.create"), nil
	case providers.OpenAIResponses:
		return openaiSDK(steps, "client.responses.create"), nil
	default:
		return "", fmt.Errorf("%w: %q", providers.ErrUnknownProvider, tc.Provider)
	}
}

// PythonHTTP renders the final recorded turn as a Python script using
// requests against the vendor HTTP API.
func PythonHTTP(steps []transcript.Step, tc transcript.Context) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("export: no assistant turns to export")
	}
	last := steps[len(steps)-1]
	switch tc.Provider {
	case providers.Anthropic:
		return anthropicHTTP(last), nil
	case providers.OpenAIChat:
		return openaiHTTP(last, "https://api.openai.com/v1/chat/completions"), nil
	case providers.OpenAIResponses:
		return openaiHTTP(last, "https://api.openai.com/v1/responses"), nil
	default:
		return "", fmt.Errorf("%w: %q", providers.ErrUnknownProvider, tc.Provider)
	}
}

func anthropicSDK(steps []transcript.Step) string {
	var b strings.Builder
	b.WriteString("import os\n")
	b.WriteString("import anthropic\n\n")
	b.WriteString("client = anthropic.Anthropic(api_key=os.environ[\"ANTHROPIC_API_KEY\"])\n\n")
	b.WriteString("def run():\n")
	for _, step := range steps {
		fmt.Fprintf(&b, "    # Step %d: Recreate assistant turn %s\n", step.Index, step.EventID)
		writeWarnings(&b, step, "    ")
		fmt.Fprintf(&b, "    response_%d = client.messages.create(%s)\n", step.Index, pyLiteral(step.Request, 2))
		fmt.Fprintf(&b, "    print(\"assistant %d:\", response_%d)\n\n", step.Index, step.Index)
	}
	b.WriteString("if __name__ == \"__main__\":\n    run()\n")
	return b.String()
}

func openaiSDK(steps []transcript.Step, call string) string {
	last := steps[len(steps)-1]
	var b strings.Builder
	b.WriteString("import os\n")
	b.WriteString("import json\n")
	b.WriteString("from openai import OpenAI\n\n")
	b.WriteString("client = OpenAI(api_key=os.environ.get(\"OPENAI_API_KEY\"))\n\n")
	b.WriteString("def run():\n")
	b.WriteString("    # Replay the recorded assistant turn\n")
	writeWarnings(&b, last, "    ")
	fmt.Fprintf(&b, "    payload = %s\n", pyLiteral(last.Request, 1))
	fmt.Fprintf(&b, "    response = %s(**payload)\n", call)
	b.WriteString("    print(json.dumps(response.model_dump(), indent=2))\n\n")
	b.WriteString("if __name__ == \"__main__\":\n    run()\n")
	return b.String()
}

func anthropicHTTP(last transcript.Step) string {
	var b strings.Builder
	b.WriteString("import os\n")
	b.WriteString("import json\n")
	b.WriteString("import requests\n\n")
	b.WriteString("ANTHROPIC_API_KEY = os.environ.get(\"ANTHROPIC_API_KEY\")\n\n")
	b.WriteString("def run():\n")
	b.WriteString("    if not ANTHROPIC_API_KEY:\n")
	b.WriteString("        raise RuntimeError(\"Set the ANTHROPIC_API_KEY environment variable before running this script.\")\n\n")
	b.WriteString("    headers = {\n")
	b.WriteString("        \"Content-Type\": \"application/json\",\n")
	b.WriteString("        \"x-api-key\": ANTHROPIC_API_KEY,\n")
	b.WriteString("        \"anthropic-version\": \"2023-06-01\",\n")
	b.WriteString("    }\n\n")
	b.WriteString("    # Replay the recorded assistant turn\n")
	writeWarnings(&b, last, "    ")
	fmt.Fprintf(&b, "    body = %s\n", pyLiteral(last.Request, 1))
	b.WriteString("    response = requests.post(\n")
	b.WriteString("        'https://api.anthropic.com/v1/messages',\n")
	b.WriteString("        headers=headers,\n")
	b.WriteString("        json=body,\n")
	b.WriteString("    )\n")
	b.WriteString("    response.raise_for_status()\n")
	b.WriteString("    data = response.json()\n")
	b.WriteString("    print(json.dumps(data, indent=2))\n\n")
	b.WriteString("if __name__ == \"__main__\":\n    run()\n")
	return b.String()
}

func openaiHTTP(last transcript.Step, url string) string {
	var b strings.Builder
	b.WriteString("import os\n")
	b.WriteString("import json\n")
	b.WriteString("import requests\n\n")
	b.WriteString("OPENAI_API_KEY = os.environ.get(\"OPENAI_API_KEY\")\n\n")
	b.WriteString("def run():\n")
	b.WriteString("    if not OPENAI_API_KEY:\n")
	b.WriteString("        raise RuntimeError(\"Set the OPENAI_API_KEY environment variable before running this script.\")\n\n")
	b.WriteString("    headers = {\n")
	b.WriteString("        \"Content-Type\": \"application/json\",\n")
	b.WriteString("        \"Authorization\": f\"Bearer {OPENAI_API_KEY}\",\n")
	b.WriteString("    }\n\n")
	b.WriteString("    # Replay the recorded assistant turn\n")
	writeWarnings(&b, last, "    ")
	fmt.Fprintf(&b, "    body = %s\n", pyLiteral(last.Request, 1))
	b.WriteString("    response = requests.post(\n")
	fmt.Fprintf(&b, "        '%s',\n", url)
	b.WriteString("        headers=headers,\n")
	b.WriteString("        json=body,\n")
	b.WriteString("    )\n")
	b.WriteString("    response.raise_for_status()\n")
	b.WriteString("    data = response.json()\n")
	b.WriteString("    print(json.dumps(data, indent=2))\n\n")
	b.WriteString("if __name__ == \"__main__\":\n    run()\n")
	return b.String()
}

func writeWarnings(b *strings.Builder, step transcript.Step, indent string) {
	for _, w := range step.Warnings {
		fmt.Fprintf(b, "%s# NOTE: %s\n", indent, w)
	}
}

// keyOrder ranks payload keys so rendered dicts read like hand-written
// request bodies instead of alphabetized maps.
var keyOrder = map[string]int{
	"model":             0,
	"id":                1,
	"type":              2,
	"role":              3,
	"call_id":           4,
	"tool_use_id":       5,
	"name":              6,
	"messages":          7,
	"input":             8,
	"content":           9,
	"summary":           10,
	"text":              11,
	"arguments":         12,
	"server_label":      13,
	"output":            14,
	"error":             15,
	"is_error":          16,
	"system":            17,
	"max_tokens":        18,
	"max_output_tokens": 19,
	"reasoning":         20,
	"effort":            21,
	"tools":             22,
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ri, iok := keyOrder[keys[i]]
		rj, jok := keyOrder[keys[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok:
			return true
		case jok:
			return false
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

// pyLiteral renders v as a Python literal with four-space indentation at
// the given depth. JSON-style values map directly: true/false/None,
// strings with escaping, nested dicts and lists expanded one entry per
// line.
func pyLiteral(v any, depth int) string {
	pad := strings.Repeat("    ", depth)
	inner := strings.Repeat("    ", depth+1)
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return pyString(val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case map[string]any:
		if len(val) == 0 {
			return "{}"
		}
		var b strings.Builder
		b.WriteString("{\n")
		keys := sortedKeys(val)
		for i, k := range keys {
			fmt.Fprintf(&b, "%s%s: %s", inner, pyString(k), pyLiteral(val[k], depth+1))
			if i < len(keys)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(pad + "}")
		return b.String()
	case []any:
		if len(val) == 0 {
			return "[]"
		}
		var b strings.Builder
		b.WriteString("[\n")
		for i, item := range val {
			b.WriteString(inner + pyLiteral(item, depth+1))
			if i < len(val)-1 {
				b.WriteString(",")
			}
			b.WriteString("\n")
		}
		b.WriteString(pad + "]")
		return b.String()
	default:
		return pyString(fmt.Sprintf("%v", val))
	}
}

// pyString renders a double-quoted Python string literal.
func pyString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\x%02x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
