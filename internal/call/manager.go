// Package call runs call sessions with Pion. Signaling goes through the
// document store via the signaling package; audio routing through the audio
// package.
package call

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/docstore"
	"github.com/petervdpas/goopcall/internal/signaling"
)

var log = logging.Logger("call")

// Manager owns the active sessions, one per meeting id.
type Manager struct {
	store docstore.Channel
	opts  Options

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// New creates a manager whose sessions signal through store.
func New(store docstore.Channel, opts Options) *Manager {
	return &Manager{
		store:    store,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// StartCall starts a new meeting: the id must not carry a call record yet.
// The offer is written before StartCall returns.
func (m *Manager) StartCall(ctx context.Context, meetingID string) (*Session, error) {
	id, err := signaling.NormalizeMeetingID(meetingID)
	if err != nil {
		return nil, err
	}
	if err := signaling.CheckMeetingAvailable(ctx, m.store, id); err != nil {
		return nil, err
	}
	sess, err := m.open(id, true)
	if err != nil {
		return nil, err
	}
	if err := sess.offer(ctx); err != nil {
		sess.Hangup()
		return nil, err
	}
	log.Infof("started meeting %s", id)
	return sess, nil
}

// JoinCall joins an existing or upcoming meeting. The answer is written
// when the offer arrives.
func (m *Manager) JoinCall(ctx context.Context, meetingID string) (*Session, error) {
	id, err := signaling.NormalizeMeetingID(meetingID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := m.open(id, false)
	if err != nil {
		return nil, err
	}
	log.Infof("joined meeting %s", id)
	return sess, nil
}

func (m *Manager) open(id string, initiator bool) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := m.sessions[id]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session already open for %s", signaling.ErrMeetingInUse, id)
	}
	// reserve the id while the session is built
	m.sessions[id] = nil
	m.mu.Unlock()

	sess, err := newSession(id, initiator, m.store, m.opts, func() { m.removeSession(id) })
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.sessions, id)
		return nil, err
	}
	select {
	case <-sess.Done():
		// hung up while being built; removeSession already ran
		delete(m.sessions, id)
	default:
		m.sessions[id] = sess
	}
	return sess, nil
}

// Session returns the active session for meetingID, if any.
func (m *Manager) Session(meetingID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[meetingID]
	m.mu.RUnlock()
	return s, ok && s != nil
}

func (m *Manager) removeSession(meetingID string) {
	m.mu.Lock()
	delete(m.sessions, meetingID)
	m.mu.Unlock()
}

// Close hangs up every session. Later StartCall and JoinCall fail.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
}
