package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Model shorthand packs extra body fields into the model name itself:
// "gpt$temp_0.7$mode_fast" selects model "gpt" and merges temp="0.7" and
// mode="fast" into the body as top-level string fields.
const (
	shorthandDelimiter = "$"
	shorthandSeparator = "_"
)

// expandModelShorthand parses a chat request body, expands any model
// shorthand, and reports whether the body asks for a streamed response.
// The returned bytes are the original body when no expansion applies.
// A body that does not parse as JSON is an error; the caller rejects the
// request before any forwarding attempt.
func expandModelShorthand(body []byte) ([]byte, bool, error) {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("parsing request body: %w", err)
	}

	payload, ok := parsed.(map[string]any)
	if !ok {
		// Valid JSON that is not an object carries no model field; relay it
		// untouched.
		return body, false, nil
	}

	stream, _ := payload["stream"].(bool)

	model, ok := payload["model"].(string)
	if !ok || !strings.Contains(model, shorthandDelimiter) {
		return body, stream, nil
	}

	segments := strings.Split(model, shorthandDelimiter)
	payload["model"] = segments[0]
	for _, segment := range segments[1:] {
		name, value, found := strings.Cut(segment, shorthandSeparator)
		if !found {
			// A segment without a value carries nothing to merge.
			continue
		}
		payload[name] = value
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encoding rewritten body: %w", err)
	}
	return out, stream, nil
}

// probeStream checks a request body for the streaming flag without touching
// anything else. Parse failures are not an error here; endpoints other than
// the chat one accept arbitrary payloads.
func probeStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Stream
}
