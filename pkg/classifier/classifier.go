// Package classifier maps untrusted widget error payloads onto the fixed
// error taxonomy of the session controllers.
package classifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

// maxDepth bounds recursion into nested payload objects.
const maxDepth = 4

// Vocabulary is matched case-insensitively, in priority order.
var (
	authTerms      = []string{"unauthorized", "401", "auth", "permission", "token"}
	ttsTerms       = []string{"tts api key", "invalid tts"}
	duplicateTerms = []string{"duplicate", "iframe"}
)

// payload is the loose shape of an error notification: {error?, message?, detail?}.
// Scalars are decoded weakly, so {"error": 401} reads as "401".
type payload struct {
	Error   string `mapstructure:"error"`
	Message string `mapstructure:"message"`
	Detail  string `mapstructure:"detail"`
}

// fieldOrder is the order in which payload fields are read.
var fieldOrder = []string{"error", "message", "detail"}

// Classify returns the kind and a human-readable message for raw.
// It is pure and never panics: anything it cannot read is an UnknownError.
func Classify(raw any) (c domain.Classification) {
	defer func() {
		if r := recover(); r != nil {
			c = domain.Classification{Kind: domain.KindUnknown, Message: domain.DefaultErrorMessage}
		}
	}()

	texts := extract(raw, 0)

	msg := ""
	for _, t := range texts {
		if t = strings.TrimSpace(t); t != "" {
			msg = t
			break
		}
	}
	if msg == "" {
		return domain.Classification{Kind: domain.KindUnknown, Message: domain.DefaultErrorMessage}
	}

	return domain.Classification{
		Kind:    match(strings.ToLower(strings.Join(texts, "\n"))),
		Message: msg,
	}
}

func match(haystack string) domain.ErrorKind {
	switch {
	case containsAny(haystack, authTerms):
		return domain.KindAuth
	case containsAny(haystack, ttsTerms):
		return domain.KindTTS
	case containsAny(haystack, duplicateTerms):
		return domain.KindDuplicateWidget
	}
	return domain.KindUnknown
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// extract collects readable strings from raw, most relevant first.
func extract(raw any, depth int) []string {
	if depth > maxDepth {
		return nil
	}

	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return []string{v}
	case json.RawMessage:
		return extractBytes(v, depth)
	case []byte:
		return extractBytes(v, depth)
	case error:
		return []string{v.Error()}
	case fmt.Stringer:
		return []string{v.String()}
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		return extractFields(m, depth)
	case map[string]any:
		return extractFields(v, depth)
	}
	return nil
}

func extractBytes(b []byte, depth int) []string {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err == nil {
		if _, isString := decoded.(string); isString || isObject(decoded) {
			return extract(decoded, depth)
		}
		return nil
	}
	return []string{string(b)}
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

// extractFields reads the payload fields of m. Nested objects are walked;
// scalar fields are weakly decoded into strings.
func extractFields(m map[string]any, depth int) []string {
	scalars := make(map[string]any, len(fieldOrder))
	for _, name := range fieldOrder {
		switch v := m[name].(type) {
		case string, float64, float32, int, int64, json.Number:
			scalars[name] = v
		}
	}

	var p payload
	if err := mapstructure.WeakDecode(scalars, &p); err != nil {
		return nil
	}
	decoded := map[string]string{"error": p.Error, "message": p.Message, "detail": p.Detail}

	var out []string
	for _, name := range fieldOrder {
		if nested, ok := m[name].(map[string]any); ok {
			out = append(out, extract(nested, depth+1)...)
			continue
		}
		if _, ok := scalars[name]; ok {
			out = append(out, decoded[name])
		}
	}
	return out
}
