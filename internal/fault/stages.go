package fault

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/roach88/cartsync/internal/policy"
)

// extracted is the result of field extraction, before rewriting.
type extracted struct {
	Status  int
	Message string
}

// parseOuter decodes the payload as JSON. It returns the decoded object
// when the payload is a JSON object, and otherwise the payload as text: a
// JSON string literal is unquoted, anything else is used verbatim.
func parseOuter(raw []byte) (map[string]any, string) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ""
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, string(trimmed)
	}
	switch v := v.(type) {
	case map[string]any:
		return v, ""
	case string:
		return nil, v
	default:
		return nil, string(trimmed)
	}
}

// unwrapInner handles double-encoded errors: when the "message" field is
// itself a JSON object, its fields win over the outer object's.
func unwrapInner(outer map[string]any) map[string]any {
	msg, ok := outer["message"].(string)
	if !ok {
		return outer
	}
	msg = strings.TrimSpace(msg)
	if !strings.HasPrefix(msg, "{") {
		return outer
	}

	var inner map[string]any
	if err := json.Unmarshal([]byte(msg), &inner); err != nil {
		return outer
	}

	merged := make(map[string]any, len(outer)+len(inner))
	for k, v := range outer {
		if k != "message" {
			merged[k] = v
		}
	}
	for k, v := range inner {
		merged[k] = v
	}
	return merged
}

var statusKeys = []string{"status", "statusCode", "status_code"}

// extract pulls the status code and human message. Message priority:
// data.error, data.message, message, error. A nil obj means the payload
// was plain text.
func extract(obj map[string]any, text string, fallbackStatus int) extracted {
	ex := extracted{Status: fallbackStatus, Message: strings.TrimSpace(text)}
	if obj == nil {
		return ex
	}

	for _, k := range statusKeys {
		if code, ok := asStatus(obj[k]); ok {
			ex.Status = code
			break
		}
	}

	var candidates []any
	if data, ok := obj["data"].(map[string]any); ok {
		candidates = append(candidates, data["error"], data["message"])
	}
	candidates = append(candidates, obj["message"], obj["error"])
	for _, c := range candidates {
		if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
			ex.Message = strings.TrimSpace(s)
			break
		}
	}
	return ex
}

func asStatus(v any) (int, bool) {
	switch v := v.(type) {
	case float64:
		if v >= 100 && v < 600 && v == float64(int(v)) {
			return int(v), true
		}
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil && n >= 100 && n < 600 {
			return n, true
		}
	}
	return 0, false
}

// rewrite classifies an extracted failure and chooses the user-facing
// message. Rules are checked in order; the first match wins.
func rewrite(ex extracted, m policy.Messages) Normalized {
	n := Normalized{Status: ex.Status, Detail: ex.Message}
	lower := strings.ToLower(ex.Message)

	switch {
	case ex.Status == 401:
		n.Kind, n.Message = Unauthenticated, m.Unauthenticated
	case strings.Contains(lower, "already exists in cart"):
		n.Kind, n.Message = DuplicateLine, m.DuplicateLine
	case strings.Contains(lower, "own product"):
		n.Kind, n.Message = OwnershipViolation, m.OwnershipViolation
	case ex.Status >= 400 && ex.Status < 500 && ex.Message != "":
		n.Kind, n.Message = TransportFailure, ex.Message
	default:
		n.Kind, n.Message = TransportFailure, m.TransportFailure
	}
	return n
}
