package remotestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ServerValue is a placeholder the backend resolves to its own clock in
// milliseconds when the enclosing value is written.
type ServerValue struct{}

var serverTimestamp = []byte(`{".sv":"timestamp"}`)

// MarshalJSON implements json.Marshaler
func (ServerValue) MarshalJSON() ([]byte, error) {
	return serverTimestamp, nil
}

// ServerNow returns the server timestamp token
func ServerNow() ServerValue {
	return ServerValue{}
}

// NewID returns a lexically sortable id whose time component is ms.
// Ids generated within the same millisecond stay monotonic.
func NewID(ms int64) string {
	return ulid.MustNew(uint64(ms), ulid.DefaultEntropy()).String()
}

// IDTime returns the creation time encoded in an id produced by NewID
func IDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse id: %w", err)
	}
	return ulid.Time(parsed.Time()), nil
}

// encodeValue marshals value and resolves server timestamp tokens
func encodeValue(value any, now int64) (json.RawMessage, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	if !bytes.Contains(data, []byte(`".sv"`)) {
		return data, nil
	}
	var tree any
	if err := decodeTree(data, &tree); err != nil {
		return nil, err
	}
	return json.Marshal(resolveTree(tree, now))
}

// patchRecord applies slash separated field writes to a record; nil removes a field
func patchRecord(raw json.RawMessage, fields map[string]any, now int64) (json.RawMessage, error) {
	var record map[string]any
	if err := decodeTree(raw, &record); err != nil {
		return nil, err
	}
	if record == nil {
		record = map[string]any{}
	}
	for field, value := range fields {
		segments := strings.Split(field, "/")
		parent := record
		for _, seg := range segments[:len(segments)-1] {
			child, ok := parent[seg].(map[string]any)
			if !ok {
				if value == nil {
					parent = nil
					break
				}
				child = map[string]any{}
				parent[seg] = child
			}
			parent = child
		}
		if parent == nil {
			continue
		}
		last := segments[len(segments)-1]
		if value == nil {
			delete(parent, last)
			continue
		}
		encoded, err := encodeValue(value, now)
		if err != nil {
			return nil, err
		}
		var decoded any
		if err := decodeTree(encoded, &decoded); err != nil {
			return nil, err
		}
		parent[last] = decoded
	}
	return json.Marshal(record)
}

func decodeTree(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

func resolveTree(node any, now int64) any {
	switch v := node.(type) {
	case map[string]any:
		if len(v) == 1 && v[".sv"] == "timestamp" {
			return now
		}
		for k, child := range v {
			v[k] = resolveTree(child, now)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = resolveTree(child, now)
		}
		return v
	}
	return node
}
