// Package schema infers JSON Schemas for tool parameters from sample
// argument payloads and validates arguments against declared schemas.
// Inference is intentionally shallow: it describes the shapes seen in
// samples without guessing constraints the samples cannot support.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// maxDepth bounds inference recursion. Structures deeper than this
// collapse to an unconstrained schema.
const maxDepth = 5

// InferenceWarning is attached to schemas produced by inference so
// consumers know the schema describes observed samples, not a contract.
const InferenceWarning = "schema inferred from sample values; field coverage is limited to what the samples contained"

// Infer builds a JSON Schema describing the given sample argument
// payloads. Multiple samples merge: object properties union, a property
// missing from any sample is not required, and conflicting types for one
// path produce an anyOf of the observed types.
func Infer(samples []map[string]any) map[string]any {
	if len(samples) == 0 {
		return map[string]any{
			"type":        "object",
			"description": InferenceWarning,
		}
	}
	values := make([]any, len(samples))
	for i, s := range samples {
		values[i] = s
	}
	out := inferValues(values, 0)
	out["description"] = InferenceWarning
	return out
}

// inferValues describes the merged shape of the sample values at one
// path.
func inferValues(values []any, depth int) map[string]any {
	if depth >= maxDepth {
		return map[string]any{}
	}
	byType := make(map[string][]any)
	var typeOrder []string
	for _, v := range values {
		t := jsonType(v)
		if _, seen := byType[t]; !seen {
			typeOrder = append(typeOrder, t)
		}
		byType[t] = append(byType[t], v)
	}
	if len(typeOrder) == 1 {
		return inferType(typeOrder[0], byType[typeOrder[0]], depth)
	}
	sort.Strings(typeOrder)
	var variants []any
	for _, t := range typeOrder {
		variants = append(variants, inferType(t, byType[t], depth))
	}
	return map[string]any{"anyOf": variants}
}

func inferType(t string, values []any, depth int) map[string]any {
	switch t {
	case "object":
		return inferObject(values, depth)
	case "array":
		return inferArray(values, depth)
	case "null":
		return map[string]any{"type": "null"}
	default:
		return map[string]any{"type": t}
	}
}

func inferObject(values []any, depth int) map[string]any {
	byKey := make(map[string][]any)
	counts := make(map[string]int)
	for _, v := range values {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for k, pv := range obj {
			byKey[k] = append(byKey[k], pv)
			counts[k]++
		}
	}
	props := make(map[string]any, len(byKey))
	var required []string
	for k, pvs := range byKey {
		props[k] = inferValues(pvs, depth+1)
		if counts[k] == len(values) {
			required = append(required, k)
		}
	}
	out := map[string]any{"type": "object"}
	if len(props) > 0 {
		out["properties"] = props
	}
	if len(required) > 0 {
		sort.Strings(required)
		out["required"] = required
	}
	return out
}

// inferArray merges all element values across samples into a single items
// schema. Per-index tuple typing is deliberately not attempted.
func inferArray(values []any, depth int) map[string]any {
	var elems []any
	for _, v := range values {
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		elems = append(elems, arr...)
	}
	out := map[string]any{"type": "array"}
	if len(elems) > 0 {
		out["items"] = inferValues(elems, depth+1)
	}
	return out
}

func jsonType(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64:
		if val == float64(int64(val)) {
			return "integer"
		}
		return "number"
	case int, int64:
		return "integer"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "string"
	}
}

// Validate checks args against schemaDoc, a JSON Schema document in map
// form. A nil schema validates everything.
func Validate(schemaDoc map[string]any, args map[string]any) error {
	if schemaDoc == nil {
		return nil
	}
	// Round-trip through JSON so the compiler sees plain JSON values.
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	payload, err := normalize(args)
	if err != nil {
		return err
	}
	return compiled.Validate(payload)
}

// normalize round-trips args through JSON so numbers and nested values
// take their JSON-decoded forms before validation.
func normalize(args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}
	return out, nil
}
