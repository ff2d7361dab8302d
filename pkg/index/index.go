// Package index maintains the per-user uuid-keyed directory of pointers to
// authoritative record files. It is the fast-lookup layer; the record files
// themselves remain the source of truth.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Entry types.
const (
	TypeFile   = "file"
	TypeFolder = "folder"
)

var (
	// ErrNotFound is returned when a uuid is absent from the index.
	ErrNotFound = errors.New("uuid not found")
	// ErrExists is returned when adding a uuid already present.
	ErrExists = errors.New("uuid already exists")
)

// Entry is the lightweight pointer kept per uuid. Path addresses the
// authoritative record file inside the data filesystem; DirPath is set for
// folders only and addresses the folder itself (needed for recursive
// deletion). Name and ParentPath capture the physical layout at creation
// time.
type Entry struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	DirPath    string `json:"dir_path,omitempty"`
	Name       string `json:"name"`
	ParentPath string `json:"parent_path"`
}

// Index is a uuid-keyed map of entries that preserves insertion order, so
// flatten output follows the order items were created in. The JSON form is
// a single object whose key order is significant.
type Index struct {
	entries map[string]Entry
	order   []string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]Entry)}
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.order) }

// Has reports whether uuid is present.
func (ix *Index) Has(uuid string) bool {
	_, ok := ix.entries[uuid]
	return ok
}

// Get returns the entry for uuid.
func (ix *Index) Get(uuid string) (Entry, bool) {
	e, ok := ix.entries[uuid]
	return e, ok
}

// Put inserts or replaces the entry for uuid. New uuids append to the
// iteration order; replacements keep their position.
func (ix *Index) Put(uuid string, e Entry) {
	if _, ok := ix.entries[uuid]; !ok {
		ix.order = append(ix.order, uuid)
	}
	ix.entries[uuid] = e
}

// Delete removes uuid from the index.
func (ix *Index) Delete(uuid string) {
	if _, ok := ix.entries[uuid]; !ok {
		return
	}
	delete(ix.entries, uuid)
	for i, u := range ix.order {
		if u == uuid {
			ix.order = append(ix.order[:i], ix.order[i+1:]...)
			break
		}
	}
}

// Clone returns an independent copy of the index.
func (ix *Index) Clone() *Index {
	out := &Index{
		entries: make(map[string]Entry, len(ix.entries)),
		order:   make([]string, len(ix.order)),
	}
	copy(out.order, ix.order)
	for uuid, e := range ix.entries {
		out.entries[uuid] = e
	}
	return out
}

// UUIDs returns the uuids in stored order.
func (ix *Index) UUIDs() []string {
	out := make([]string, len(ix.order))
	copy(out, ix.order)
	return out
}

// MarshalJSON renders the index as one JSON object, keys in stored order.
func (ix *Index) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, uuid := range ix.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(uuid)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(ix.entries[uuid])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a JSON object, recording key order as it appears in
// the document.
func (ix *Index) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("index: expected object, got %v", tok)
	}
	ix.entries = make(map[string]Entry)
	ix.order = nil
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("index: non-string key %v", keyTok)
		}
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return err
		}
		ix.Put(key, e)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// Store loads and saves per-user indexes. Save fully overwrites the stored
// document; callers are responsible for load-mutate-save discipline (the
// store.Manager serializes this per user).
type Store interface {
	Load(ctx context.Context, user string) (*Index, error)
	Save(ctx context.Context, user string, ix *Index) error
	Users(ctx context.Context) ([]string, error)
	Close() error
}

// Migrate copies every user index from src into dst and returns the number
// of users migrated.
func Migrate(ctx context.Context, src, dst Store) (int, error) {
	users, err := src.Users(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate: list users: %w", err)
	}
	for i, user := range users {
		select {
		case <-ctx.Done():
			return i, ctx.Err()
		default:
		}
		ix, err := src.Load(ctx, user)
		if err != nil {
			return i, fmt.Errorf("migrate: load %s: %w", user, err)
		}
		if err := dst.Save(ctx, user, ix); err != nil {
			return i, fmt.Errorf("migrate: save %s: %w", user, err)
		}
	}
	return len(users), nil
}
