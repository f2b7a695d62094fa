// Package docstore is the keyed document store used as a signaling relay.
//
// Documents live in Firestore-shaped paths: a top-level collection ("calls"),
// a document inside it ("calls/ABC123"), and sub-collections under a document
// ("calls/ABC123/candidates"). Callers subscribe to live changes on a single
// document or on a whole collection and receive an ordered stream of
// snapshots per subscription.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("docstore")

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
	ErrBadPath  = errors.New("invalid document path")
)

// Channel is the capability contract the signaling layer needs from a
// document store.
type Channel interface {
	// EnableNetwork brings the store online. Best-effort; callers typically
	// only log a failure.
	EnableNetwork(ctx context.Context) error

	Get(ctx context.Context, ref Ref) (Document, error)

	// Set overwrites the whole document.
	Set(ctx context.Context, ref Ref, data map[string]any) error

	// WatchDocument delivers the current state of ref, then one snapshot per
	// change. cancel is idempotent and closes the channel.
	WatchDocument(ref Ref) (ch <-chan Snapshot, cancel func())

	// WatchCollection delivers all existing members as changes, then one
	// snapshot per changed member.
	WatchCollection(collection string) (ch <-chan Snapshot, cancel func())

	Close() error
}

// Ref addresses one document.
type Ref struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Doc builds a Ref.
func Doc(collection, id string) Ref {
	return Ref{Collection: collection, ID: id}
}

// Path returns "collection/id".
func (r Ref) Path() string {
	return r.Collection + "/" + r.ID
}

// Sub returns the path of a sub-collection of this document.
func (r Ref) Sub(name string) string {
	return r.Path() + "/" + name
}

func (r Ref) String() string { return r.Path() }

// Validate rejects empty segments and ids containing a slash.
func (r Ref) Validate() error {
	if err := validateCollection(r.Collection); err != nil {
		return err
	}
	if r.ID == "" || strings.Contains(r.ID, "/") {
		return fmt.Errorf("%w: id %q", ErrBadPath, r.ID)
	}
	return nil
}

func validateCollection(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty collection", ErrBadPath)
	}
	parts := strings.Split(path, "/")
	// collection, or collection/doc/collection, ...
	if len(parts)%2 == 0 {
		return fmt.Errorf("%w: %q is a document path", ErrBadPath, path)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrBadPath, path)
		}
	}
	return nil
}

// Document is one stored document. Exists is false for a document snapshot
// of a missing document.
type Document struct {
	Ref     Ref            `json:"ref"`
	Exists  bool           `json:"exists"`
	Data    map[string]any `json:"data,omitempty"`
	Version int64          `json:"version"`
}

// String field helper. Returns "" when missing or not a string.
func (d Document) String(key string) string {
	s, _ := d.Data[key].(string)
	return s
}

// Clone returns d with its own deep copy of Data. Stores hand every
// caller and every subscriber a clone, so changing one never shows up in
// another.
func (d Document) Clone() Document {
	d.Data = cloneData(d.Data)
	return d
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d.Data[key]
	return ok
}

// Snapshot is one live update on a subscription. Either Err is set or Docs
// carries the changed documents.
type Snapshot struct {
	Docs []Document
	Err  error
}

// Normalize round-trips data through JSON so every store hands out the same
// shapes: objects as map[string]any, numbers as json.Number.
func Normalize(data map[string]any) (map[string]any, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return decodeData(b)
}

func decodeData(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
