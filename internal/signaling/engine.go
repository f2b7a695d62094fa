// Package signaling exchanges session descriptions and ICE candidates
// between the two peers of a call through a shared document store.
//
// A call is one document in the "calls" collection keyed by meeting id,
// plus a "candidates" sub-collection holding one document per role.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/docstore"
)

var log = logging.Logger("signaling")

const writeTimeout = 10 * time.Second

// Engine owns the protocol state of one meeting. It watches the call record
// and its candidates and turns changes into Listener events.
type Engine struct {
	meetingID string
	store     docstore.Channel
	listener  Listener
	flags     *Flags

	role atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	destroyed bool
	wg        sync.WaitGroup
}

// New creates an engine for meetingID and connects it immediately. flags
// may be nil when the caller never starts calls itself.
func New(store docstore.Channel, meetingID string, listener Listener, flags *Flags) (*Engine, error) {
	if meetingID == "" {
		return nil, ErrEmptyMeetingID
	}
	if flags == nil {
		flags = &Flags{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		meetingID: meetingID,
		store:     store,
		listener:  listener,
		flags:     flags,
		ctx:       ctx,
		cancel:    cancel,
	}
	e.connect()
	return e, nil
}

// MeetingID returns the meeting this engine serves.
func (e *Engine) MeetingID() string { return e.meetingID }

// Role returns the current role tag.
func (e *Engine) Role() Role { return Role(e.role.Load()) }

func (e *Engine) callRef() docstore.Ref {
	return docstore.Doc(CallsCollection, e.meetingID)
}

// connect opens both subscriptions and brings the store online. Going
// online is best-effort and is not retried.
func (e *Engine) connect() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.store.EnableNetwork(e.ctx); err != nil {
			log.Warnf("[%s] enable network: %v", e.meetingID, err)
			return
		}
		if e.ctx.Err() != nil {
			return
		}
		e.listener.OnConnectionEstablished()
	}()

	callCh, cancelCall := e.store.WatchDocument(e.callRef())
	candCh, cancelCand := e.store.WatchCollection(e.callRef().Sub(CandidatesCollection))

	e.wg.Add(1)
	go e.dispatchLoop(callCh, candCh, cancelCall, cancelCand)
}

// dispatchLoop is the only goroutine that classifies updates and calls the
// listener. Each subscription is consumed in order; there is no ordering
// between the two.
func (e *Engine) dispatchLoop(callCh, candCh <-chan docstore.Snapshot, cancelCall, cancelCand func()) {
	defer e.wg.Done()
	defer cancelCall()
	defer cancelCand()

	for callCh != nil || candCh != nil {
		select {
		case <-e.ctx.Done():
			return
		case snap, ok := <-callCh:
			if !ok {
				callCh = nil
				continue
			}
			e.handleCallSnapshot(snap)
		case snap, ok := <-candCh:
			if !ok {
				candCh = nil
				continue
			}
			e.handleCandidateSnapshot(snap)
		}
	}
}

func (e *Engine) handleCallSnapshot(snap docstore.Snapshot) {
	if snap.Err != nil {
		log.Warnf("[%s] listen:error %v", e.meetingID, snap.Err)
		return
	}
	for _, doc := range snap.Docs {
		if !doc.Exists {
			log.Debugf("[%s] current data: null", e.meetingID)
			continue
		}
		e.classifyCall(doc)
	}
}

func (e *Engine) classifyCall(doc docstore.Document) {
	sdp := doc.String(fieldSDP)
	switch t := doc.String(fieldType); t {
	case TypeOffer:
		e.role.Store(int32(RoleOfferer))
		e.listener.OnOfferReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	case TypeAnswer:
		e.role.Store(int32(RoleAnswerer))
		e.listener.OnAnswerReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	case TypeEndCall:
		// A fresh record on a reused meeting id can race with the previous
		// call's END_CALL; the first one after initiating is swallowed.
		if e.flags.consumeInitiated() {
			log.Infof("[%s] ignoring END_CALL right after initiating", e.meetingID)
			return
		}
		e.listener.OnCallEnded()
	default:
		log.Debugf("[%s] call record with type %q ignored", e.meetingID, t)
	}
}

func (e *Engine) handleCandidateSnapshot(snap docstore.Snapshot) {
	if snap.Err != nil {
		log.Warnf("[%s] candidates listen:error %v", e.meetingID, snap.Err)
		return
	}
	for _, doc := range snap.Docs {
		if !doc.Exists {
			continue
		}
		want := e.Role().incoming()
		if want == "" || doc.String(fieldType) != want {
			log.Debugf("[%s] candidate %s ignored in role %s", e.meetingID, doc.Ref.ID, e.Role())
			continue
		}
		c, err := parseCandidate(doc)
		if err != nil {
			log.Errorf("[%s] dropping candidate %s: %v", e.meetingID, doc.Ref.ID, err)
			continue
		}
		e.listener.OnIceCandidateReceived(c)
	}
}

// parseCandidate validates a CandidateRecord. sdpMid and sdpCandidate must
// be non-empty strings; sdpMLineIndex must fit the media layer's uint16.
func parseCandidate(doc docstore.Document) (Candidate, error) {
	mid, err := requireString(doc, fieldSDPMid)
	if err != nil {
		return Candidate{}, err
	}
	sdp, err := requireString(doc, fieldSDPCandidate)
	if err != nil {
		return Candidate{}, err
	}
	if !doc.Has(fieldSDPMLineIndex) {
		return Candidate{}, fmt.Errorf("%w: missing %s", ErrMalformedCandidate, fieldSDPMLineIndex)
	}
	idx, err := toInt64(doc.Data[fieldSDPMLineIndex])
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %s: %v", ErrMalformedCandidate, fieldSDPMLineIndex, err)
	}
	if idx < 0 || idx > math.MaxUint16 {
		return Candidate{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, idx)
	}
	return Candidate{
		ServerURL:     doc.String(fieldServerURL),
		SDPMid:        mid,
		SDPMLineIndex: uint16(idx),
		SDP:           sdp,
	}, nil
}

func requireString(doc docstore.Document, key string) (string, error) {
	v, ok := doc.Data[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing %s", ErrMalformedCandidate, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, not a string", ErrMalformedCandidate, key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty %s", ErrMalformedCandidate, key)
	}
	return s, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case interface{ Int64() (int64, error) }: // json.Number
		return n.Int64()
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		if n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("overflow: %v", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// SendIceCandidate publishes a local candidate under this side's role. The
// write happens in the background; failures are only logged.
func (e *Engine) SendIceCandidate(c Candidate, isJoiner bool) {
	role := RoleOfferCandidate
	if isJoiner {
		role = RoleAnswerCandidate
	}
	ref := docstore.Doc(e.callRef().Sub(CandidatesCollection), role)

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		log.Warnf("[%s] sendIceCandidate after destroy ignored", e.meetingID)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, writeTimeout)
		defer cancel()
		if err := e.store.Set(ctx, ref, c.record(role)); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Errorf("[%s] sendIceCandidate: error %v", e.meetingID, err)
			}
			return
		}
		log.Debugf("[%s] sendIceCandidate: success (%s)", e.meetingID, role)
	}()
}

// Destroy cancels both subscriptions and any pending writes and waits for
// them to finish. Calls after the first are no-ops. Must not be called from
// a Listener callback.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	log.Debugf("[%s] engine destroyed", e.meetingID)
}
