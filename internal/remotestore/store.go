// Package remotestore is the only place that talks to the realtime backend.
// Everything above it depends on the Store and Connection interfaces, never on a
// concrete backend, so the in-memory store can stand in for Redis or the
// websocket client in tests.
package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidPath  = errors.New("invalid path")
	ErrNotFound     = errors.New("record not found")
	ErrDisconnected = errors.New("store disconnected")
	ErrClosed       = errors.New("store closed")
	ErrForbidden    = errors.New("permission denied")
)

// Snapshot is the full value of a collection at the time it was read
type Snapshot struct {
	Path    string
	Entries map[string]json.RawMessage
}

// Len returns the number of records in the snapshot
func (s Snapshot) Len() int {
	return len(s.Entries)
}

// Keys returns the record keys in ascending order
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode unmarshals the record stored under key into v
func (s Snapshot) Decode(key string, v any) error {
	raw, ok := s.Entries[key]
	if !ok {
		return fmt.Errorf("%s/%s: %w", s.Path, key, ErrNotFound)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", s.Path, key, err)
	}
	return nil
}

// Subscription is a live view on one collection
type Subscription interface {
	// Close stops delivery. No snapshot is delivered once Close has returned.
	Close()
}

// Store is the capability set the sync layer needs from the backend.
//
// Records live at collection/key. Subscribe and Read address a collection;
// Write, Update and Remove address a record. Remove also accepts a collection
// path and drops the whole subtree beneath it. Values may embed ServerNow()
// tokens which the backend replaces with its own clock on write. The store
// never retries: failures are returned to the caller.
type Store interface {
	Subscribe(ctx context.Context, path string, onData func(Snapshot), onError func(error)) (Subscription, error)
	Read(ctx context.Context, path string) (Snapshot, error)
	Write(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Append(ctx context.Context, path string, value any) (string, error)
	Remove(ctx context.Context, path string) error
	Now(ctx context.Context) (int64, error)
}

// DisconnectOp is a compensating write held by the backend and executed when
// the client's connection drops.
type DisconnectOp interface {
	Set(ctx context.Context, value any) error
	Remove(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// Connection exposes the transport's connection state
type Connection interface {
	Connected() bool
	// OnConnectionChange calls fn with the current state and on every change.
	OnConnectionChange(fn func(connected bool)) (cancel func())
	OnDisconnect(path string) DisconnectOp
}

// Join builds a store path from segments
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent collection and the last segment of a path
func Split(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidatePath checks that path has at least minDepth well formed segments
func ValidatePath(path string, minDepth int) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(path, "/")
	if len(segments) < minDepth {
		return fmt.Errorf("%w: %q needs at least %d segments", ErrInvalidPath, path, minDepth)
	}
	for _, seg := range segments {
		if seg == "" || strings.ContainsAny(seg, ".#$[]") {
			return fmt.Errorf("%w: bad segment in %q", ErrInvalidPath, path)
		}
	}
	return nil
}

func validateFields(fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidPath)
	}
	for field := range fields {
		if err := ValidatePath(field, 1); err != nil {
			return err
		}
	}
	return nil
}

func isUnder(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}
