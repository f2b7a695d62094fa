package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/docstore"
)

const requestTimeout = 10 * time.Second

// client is one websocket connection on the relay.
type client struct {
	conn  *websocket.Conn
	store docstore.Channel
	send  chan docstore.Frame

	mu     sync.Mutex
	subs   map[string]func() // subscription id -> cancel
	closed bool

	done chan struct{}
}

func (c *client) readPump() {
	defer c.close()
	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("relay read: %v", err)
			}
			return
		}
		f, err := docstore.DecodeFrame(r)
		if err != nil {
			log.Warnf("relay frame decode: %v", err)
			continue
		}
		c.handle(f)
	}
}

func (c *client) writePump() {
	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				log.Warnf("relay write: %v", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue drops the connection rather than a frame when the client cannot
// keep up; a gap in a snapshot stream is worse than a reconnect.
func (c *client) enqueue(f docstore.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- f:
	case <-c.done:
	default:
		log.Warnf("relay client send buffer full, closing")
		c.close()
	}
}

func (c *client) handle(f docstore.Frame) {
	resp := docstore.Frame{Op: docstore.OpResult, ID: f.ID, Sub: f.Sub}

	switch f.Op {
	case docstore.OpPing:
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := c.store.EnableNetwork(ctx); err != nil {
			resp.Error = err.Error()
		}
		cancel()

	case docstore.OpGet:
		if f.Ref == nil {
			resp.Error = "missing ref"
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		doc, err := c.store.Get(ctx, *f.Ref)
		cancel()
		if err != nil {
			resp.Error = err.Error()
			resp.NotFound = errors.Is(err, docstore.ErrNotFound)
			break
		}
		resp.Docs = []docstore.Document{doc}

	case docstore.OpSet:
		if f.Ref == nil {
			resp.Error = "missing ref"
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := c.store.Set(ctx, *f.Ref, f.Data); err != nil {
			resp.Error = err.Error()
		}
		cancel()

	case docstore.OpWatchDoc, docstore.OpWatchColl:
		if f.Sub == "" {
			resp.Error = "missing sub"
			break
		}
		var ch <-chan docstore.Snapshot
		var cancel func()
		if f.Op == docstore.OpWatchDoc {
			if f.Ref == nil {
				resp.Error = "missing ref"
				break
			}
			ch, cancel = c.store.WatchDocument(*f.Ref)
		} else {
			ch, cancel = c.store.WatchCollection(f.Path)
		}
		if !c.addSub(f.Sub, cancel) {
			cancel()
			return
		}
		go c.forward(f.Sub, ch)

	case docstore.OpUnwatch:
		c.removeSub(f.Sub)

	default:
		resp.Error = "unknown op " + f.Op
	}

	c.enqueue(resp)
}

func (c *client) forward(sub string, ch <-chan docstore.Snapshot) {
	for snap := range ch {
		f := docstore.Frame{Op: docstore.OpSnapshot, Sub: sub, Docs: snap.Docs}
		if snap.Err != nil {
			f.Error = snap.Err.Error()
		}
		c.enqueue(f)
	}
}

func (c *client) addSub(id string, cancel func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if prev, ok := c.subs[id]; ok {
		prev()
	}
	c.subs[id] = cancel
	return true
}

func (c *client) removeSub(id string) {
	c.mu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	close(c.done)
	for _, cancel := range subs {
		cancel()
	}
	c.conn.Close()
}
