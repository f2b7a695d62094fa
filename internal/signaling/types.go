package signaling

import (
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Collection names. Both peers must agree on these byte for byte.
const (
	CallsCollection      = "calls"
	CandidatesCollection = "candidates"
)

// CallRecord type tags.
const (
	TypeOffer   = "OFFER"
	TypeAnswer  = "ANSWER"
	TypeEndCall = "END_CALL"
)

// CandidateRecord role tags. Also the document ids inside the candidates
// sub-collection, so each new candidate for a role overwrites the last.
const (
	RoleOfferCandidate  = "offerCandidate"
	RoleAnswerCandidate = "answerCandidate"
)

// Field names.
const (
	fieldType          = "type"
	fieldSDP           = "sdp"
	fieldServerURL     = "serverUrl"
	fieldSDPMid        = "sdpMid"
	fieldSDPMLineIndex = "sdpMLineIndex"
	fieldSDPCandidate  = "sdpCandidate"
)

var (
	ErrMeetingInUse       = errors.New("meeting id already in use")
	ErrEmptyMeetingID     = errors.New("meeting id is empty")
	ErrMalformedCandidate = errors.New("malformed candidate record")
	ErrIndexOutOfRange    = errors.New("sdpMLineIndex out of range")
)

// CallRecord is the per-meeting document.
type CallRecord struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one ICE candidate as exchanged through the store.
type Candidate struct {
	ServerURL     string
	SDPMid        string
	SDPMLineIndex uint16
	SDP           string
}

// CandidateFromICE converts a locally gathered pion candidate.
func CandidateFromICE(c *webrtc.ICECandidate, serverURL string) Candidate {
	ci := c.ToJSON()
	out := Candidate{ServerURL: serverURL, SDP: ci.Candidate}
	if ci.SDPMid != nil {
		out.SDPMid = *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		out.SDPMLineIndex = *ci.SDPMLineIndex
	}
	return out
}

// Init converts to the form pion's AddICECandidate takes.
func (c Candidate) Init() webrtc.ICECandidateInit {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     c.SDP,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func (c Candidate) record(role string) map[string]any {
	return map[string]any{
		fieldServerURL:     c.ServerURL,
		fieldSDPMid:        c.SDPMid,
		fieldSDPMLineIndex: c.SDPMLineIndex,
		fieldSDPCandidate:  c.SDP,
		fieldType:          role,
	}
}

// Role is the engine's view of which side of the negotiation the last
// CallRecord update belonged to.
type Role int32

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "none"
	}
}

// incoming is the candidate role accepted while in r.
func (r Role) incoming() string {
	switch r {
	case RoleOfferer:
		return RoleOfferCandidate
	case RoleAnswerer:
		return RoleAnswerCandidate
	default:
		return ""
	}
}

// Listener receives protocol events. Calls come from the engine's dispatch
// goroutine, one at a time.
type Listener interface {
	OnConnectionEstablished()
	OnOfferReceived(sdp webrtc.SessionDescription)
	OnAnswerReceived(sdp webrtc.SessionDescription)
	OnCallEnded()
	OnIceCandidateReceived(c Candidate)
}

// Flags carries the per-session call state the engine consults. One Flags
// value belongs to one call session.
type Flags struct {
	initiated atomic.Bool
	ended     atomic.Bool
}

// MarkInitiated is set right before a new call writes its OFFER. While set,
// one END_CALL seen on the record is treated as a stale write from a previous
// call on the same meeting id and is swallowed.
func (f *Flags) MarkInitiated() {
	f.initiated.Store(true)
	f.ended.Store(false)
}

// ClearInitiated ends the stale END_CALL window.
func (f *Flags) ClearInitiated() { f.initiated.Store(false) }

func (f *Flags) Initiated() bool { return f.initiated.Load() }

// consumeInitiated clears the flag and reports whether it was set.
func (f *Flags) consumeInitiated() bool {
	return f.initiated.CompareAndSwap(true, false)
}

// MarkEnded records that the call is over. Returns false if it already was.
func (f *Flags) MarkEnded() bool {
	return f.ended.CompareAndSwap(false, true)
}

func (f *Flags) Ended() bool { return f.ended.Load() }
