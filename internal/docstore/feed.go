package docstore

import "sync"

// feed is one subscription. Producers push without blocking; a pump
// goroutine hands snapshots to the consumer in push order.
type feed struct {
	out  chan Snapshot
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Snapshot
	closed bool
}

func newFeed() *feed {
	f := &feed{
		out:  make(chan Snapshot),
		done: make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	go f.pump()
	return f
}

func (f *feed) push(s Snapshot) {
	f.mu.Lock()
	if !f.closed {
		f.queue = append(f.queue, s)
		f.cond.Signal()
	}
	f.mu.Unlock()
}

func (f *feed) close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.queue = nil
		close(f.done)
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

func (f *feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.cond.Wait()
		}
		if f.closed {
			f.mu.Unlock()
			return
		}
		s := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- s:
		case <-f.done:
			return
		}
	}
}

// hub routes published documents to document and collection subscribers.
type hub struct {
	mu    sync.Mutex
	docs  map[string]map[*feed]struct{} // document path -> feeds
	colls map[string]map[*feed]struct{} // collection path -> feeds
}

func newHub() *hub {
	return &hub{
		docs:  make(map[string]map[*feed]struct{}),
		colls: make(map[string]map[*feed]struct{}),
	}
}

// add registers a feed under key and queues initial before anything
// published afterwards.
func (h *hub) add(collection bool, key string, initial *Snapshot) (<-chan Snapshot, func()) {
	f := newFeed()
	if initial != nil {
		f.push(*initial)
	}

	h.mu.Lock()
	set := h.docs
	if collection {
		set = h.colls
	}
	if set[key] == nil {
		set[key] = make(map[*feed]struct{})
	}
	set[key][f] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if m, ok := set[key]; ok {
			delete(m, f)
			if len(m) == 0 {
				delete(set, key)
			}
		}
		h.mu.Unlock()
		f.close()
	}
	return f.out, cancel
}

func (h *hub) publish(doc Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.docs[doc.Ref.Path()] {
		f.push(Snapshot{Docs: []Document{doc.Clone()}})
	}
	for f := range h.colls[doc.Ref.Collection] {
		f.push(Snapshot{Docs: []Document{doc.Clone()}})
	}
}

// fail delivers err to subscribers of a document path or collection path.
func (h *hub) fail(path string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.docs[path] {
		f.push(Snapshot{Err: err})
	}
	for f := range h.colls[path] {
		f.push(Snapshot{Err: err})
	}
}

func (h *hub) failAll(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range []map[string]map[*feed]struct{}{h.docs, h.colls} {
		for _, m := range set {
			for f := range m {
				f.push(Snapshot{Err: err})
			}
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range []map[string]map[*feed]struct{}{h.docs, h.colls} {
		for key, m := range set {
			for f := range m {
				f.close()
			}
			delete(set, key)
		}
	}
}
