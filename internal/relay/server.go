// Package relay exposes a document store to remote peers over a websocket,
// so two machines can share one signaling store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/docstore"
)

var log = logging.Logger("relay")

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// Server serves one docstore.Channel to any number of websocket clients.
type Server struct {
	store docstore.Channel
	addr  string

	upgrader websocket.Upgrader

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	adv  *Advertisement
	open map[*client]struct{}
}

// New creates a relay for store listening on bind:port. Port 0 picks a free
// port at Start.
func New(store docstore.Channel, bind string, port int) *Server {
	return &Server{
		store: store,
		addr:  net.JoinHostPort(bind, strconv.Itoa(port)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		open: make(map[*client]struct{}),
	}
}

// Router returns the HTTP handler: GET /healthz and GET /ws.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	r.Get("/ws", s.handleWS)
	return r
}

// Start begins listening. The server runs until ctx is cancelled or Close
// is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.Router()}

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	log.Infof("relay listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// URL returns the websocket URL clients dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Advertise publishes the relay over mDNS. Call after Start.
func (s *Server) Advertise(instance string) error {
	adv, err := Advertise(instance, s.Port())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.adv = adv
	s.mu.Unlock()
	return nil
}

// Close stops the HTTP server and drops every client.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, adv := s.srv, s.adv
	s.srv, s.adv = nil, nil
	clients := make([]*client, 0, len(s.open))
	for c := range s.open {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if adv != nil {
		adv.Shutdown()
	}
	for _, c := range clients {
		c.close()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:  conn,
		store: s.store,
		send:  make(chan docstore.Frame, sendBuffer),
		subs:  make(map[string]func()),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	s.open[c] = struct{}{}
	s.mu.Unlock()
	log.Debugf("client connected from %s", r.RemoteAddr)

	go c.writePump()
	c.readPump()

	s.mu.Lock()
	delete(s.open, c)
	s.mu.Unlock()
	log.Debugf("client %s disconnected", r.RemoteAddr)
}
