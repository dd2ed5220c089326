package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var sensitiveDetailPatterns = []string{
	"secret", "passphrase", "password", "private_key",
	"token", "credential", "api_key", "signature",
	"nonce", "ssh_key",
}

func isSensitiveDetailKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	for _, pattern := range sensitiveDetailPatterns {
		if strings.Contains(normalized, pattern) {
			return true
		}
	}
	return false
}

// canonicalizeDetails renders details as canonical JSON with sensitive keys
// removed at every depth. A nil details value becomes {}.
func canonicalizeDetails(details any) (json.RawMessage, error) {
	if details == nil {
		return json.RawMessage(`{}`), nil
	}

	decoded, err := decodeGeneric(details)
	if err != nil {
		return nil, err
	}
	out, err := encodeCanonical(stripSensitive(decoded))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func stripSensitive(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		clean := make(map[string]any, len(typed))
		for key, nested := range typed {
			if isSensitiveDetailKey(key) {
				continue
			}
			clean[key] = stripSensitive(nested)
		}
		return clean
	case []any:
		out := make([]any, len(typed))
		for i, nested := range typed {
			out[i] = stripSensitive(nested)
		}
		return out
	default:
		return value
	}
}

// canonicalJSON encodes v with sorted object keys and no insignificant
// whitespace. Only structs are accepted at the top level so field sets stay
// explicit.
func canonicalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("canonical json: value is nil")
	}
	root := reflect.ValueOf(v)
	for root.Kind() == reflect.Pointer {
		if root.IsNil() {
			return nil, fmt.Errorf("canonical json: nil pointer")
		}
		root = root.Elem()
	}
	if root.Kind() == reflect.Map {
		return nil, fmt.Errorf("canonical json: map input is not allowed")
	}

	decoded, err := decodeGeneric(v)
	if err != nil {
		return nil, err
	}
	return encodeCanonical(decoded)
}

// decodeGeneric round-trips v through JSON. Numbers stay json.Number so
// 64-bit record values survive without float rounding.
func decodeGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonical json: decode: %w", err)
	}
	return decoded, nil
}

func encodeCanonical(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, typed[key]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, elem := range typed {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, typed)
	}
	return nil
}

func writeScalar(buf *bytes.Buffer, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("canonical json: marshal scalar: %w", err)
	}
	buf.Write(raw)
	return nil
}
