package docstore

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Channel. Two engines sharing one Memory behave
// like two peers sharing a remote store.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]Document // path -> doc
	version int64
	closed  bool
	offline error

	hub *hub
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Document),
		hub:  newHub(),
	}
}

// SetOffline makes EnableNetwork fail with err until called with nil.
func (m *Memory) SetOffline(err error) {
	m.mu.Lock()
	m.offline = err
	m.mu.Unlock()
}

func (m *Memory) EnableNetwork(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return m.offline
}

func (m *Memory) Get(ctx context.Context, ref Ref) (Document, error) {
	if err := ref.Validate(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Document{}, ErrClosed
	}
	doc, ok := m.docs[ref.Path()]
	if !ok {
		return Document{Ref: ref}, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) Set(ctx context.Context, ref Ref, data map[string]any) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	norm, err := Normalize(data)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.version++
	doc := Document{Ref: ref, Exists: true, Data: norm, Version: m.version}
	m.docs[ref.Path()] = doc
	m.hub.publish(doc)
	return nil
}

func (m *Memory) WatchDocument(ref Ref) (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[ref.Path()]
	if !ok {
		doc = Document{Ref: ref}
	}
	return m.hub.add(false, ref.Path(), &Snapshot{Docs: []Document{doc.Clone()}})
}

func (m *Memory) WatchCollection(collection string) (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var docs []Document
	for _, d := range m.docs {
		if d.Ref.Collection == collection {
			docs = append(docs, d.Clone())
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Ref.ID < docs[j].Ref.ID })

	var initial *Snapshot
	if len(docs) > 0 {
		initial = &Snapshot{Docs: docs}
	}
	return m.hub.add(true, collection, initial)
}

// Fail delivers err to every subscriber of path (a document or collection
// path), simulating a transient listener error.
func (m *Memory) Fail(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hub.fail(path, err)
}

// Put stores raw data without normalization. Used to seed malformed
// documents.
func (m *Memory) Put(ref Ref, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	doc := Document{Ref: ref, Exists: true, Data: data, Version: m.version}
	m.docs[ref.Path()] = doc
	m.hub.publish(doc)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.hub.closeAll()
	return nil
}
