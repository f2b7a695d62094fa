package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Remote is a Channel served by a relay over a websocket. There is no
// reconnect: once the connection drops every call fails with ErrClosed and
// open subscriptions receive one error snapshot.
type Remote struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Frame
	subs    map[string]*feed
	closed  bool

	done chan struct{}
}

// DialRemote connects to a relay websocket endpoint (ws://host:port/ws).
func DialRemote(ctx context.Context, url string) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	r := &Remote{
		url:     url,
		conn:    conn,
		pending: make(map[string]chan Frame),
		subs:    make(map[string]*feed),
		done:    make(chan struct{}),
	}
	go r.readLoop()
	log.Infof("connected to relay %s", url)
	return r, nil
}

// EnableNetwork round-trips a ping to the relay.
func (r *Remote) EnableNetwork(ctx context.Context) error {
	_, err := r.request(ctx, Frame{Op: OpPing})
	return err
}

func (r *Remote) Get(ctx context.Context, ref Ref) (Document, error) {
	if err := ref.Validate(); err != nil {
		return Document{}, err
	}
	resp, err := r.request(ctx, Frame{Op: OpGet, Ref: &ref})
	if err != nil {
		if resp.NotFound {
			return Document{Ref: ref}, ErrNotFound
		}
		return Document{}, err
	}
	if len(resp.Docs) != 1 {
		return Document{}, fmt.Errorf("get %s: relay returned %d documents", ref, len(resp.Docs))
	}
	return resp.Docs[0], nil
}

func (r *Remote) Set(ctx context.Context, ref Ref, data map[string]any) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	_, err := r.request(ctx, Frame{Op: OpSet, Ref: &ref, Data: data})
	return err
}

func (r *Remote) WatchDocument(ref Ref) (<-chan Snapshot, func()) {
	return r.watch(Frame{Op: OpWatchDoc, Ref: &ref})
}

func (r *Remote) WatchCollection(collection string) (<-chan Snapshot, func()) {
	return r.watch(Frame{Op: OpWatchColl, Path: collection})
}

func (r *Remote) watch(req Frame) (<-chan Snapshot, func()) {
	f := newFeed()
	sub := uuid.NewString()
	req.Sub = sub

	r.mu.Lock()
	closed := r.closed
	if !closed {
		r.subs[sub] = f
	}
	r.mu.Unlock()
	if closed {
		f.push(Snapshot{Err: ErrClosed})
		return f.out, f.close
	}

	go func() {
		if _, err := r.request(context.Background(), req); err != nil {
			f.push(Snapshot{Err: fmt.Errorf("watch: %w", err)})
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, sub)
			closed := r.closed
			r.mu.Unlock()
			f.close()
			if !closed {
				go r.request(context.Background(), Frame{Op: OpUnwatch, Sub: sub})
			}
		})
	}
	return f.out, cancel
}

func (r *Remote) request(ctx context.Context, req Frame) (Frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan Frame, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Frame{}, ErrClosed
	}
	r.pending[req.ID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	r.writeMu.Lock()
	err := r.conn.WriteJSON(req)
	r.writeMu.Unlock()
	if err != nil {
		return Frame{}, fmt.Errorf("relay write: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	case <-r.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (r *Remote) readLoop() {
	var readErr error
	for {
		_, rd, err := r.conn.NextReader()
		if err != nil {
			readErr = err
			break
		}
		f, err := DecodeFrame(rd)
		if err != nil {
			log.Warnf("relay frame decode: %v", err)
			continue
		}

		switch f.Op {
		case OpResult:
			r.mu.Lock()
			ch, ok := r.pending[f.ID]
			r.mu.Unlock()
			if ok {
				ch <- f
			}
		case OpSnapshot:
			r.mu.Lock()
			sub, ok := r.subs[f.Sub]
			r.mu.Unlock()
			if !ok {
				continue
			}
			if f.Error != "" {
				sub.push(Snapshot{Err: errors.New(f.Error)})
			} else {
				sub.push(Snapshot{Docs: f.Docs})
			}
		}
	}
	r.shutdown(readErr)
}

func (r *Remote) shutdown(cause error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*feed)
	r.mu.Unlock()

	close(r.done)
	for _, f := range subs {
		if cause != nil {
			f.push(Snapshot{Err: fmt.Errorf("relay connection lost: %w", cause)})
		}
	}
	if cause != nil {
		log.Warnf("relay %s disconnected: %v", r.url, cause)
	}
}

func (r *Remote) Close() error {
	r.mu.Lock()
	subs := make([]*feed, 0, len(r.subs))
	for _, f := range r.subs {
		subs = append(subs, f)
	}
	r.mu.Unlock()

	r.shutdown(nil)
	for _, f := range subs {
		f.close()
	}

	r.writeMu.Lock()
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	return r.conn.Close()
}
