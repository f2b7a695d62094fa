package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/audio"
	"github.com/petervdpas/goopcall/internal/docstore"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

const (
	writeTimeout = 10 * time.Second
	eventHistory = 32
)

// Session is one side of one call. It owns the PeerConnection, the
// signaling engine and the audio route manager, and is their listener.
type Session struct {
	meetingID string
	initiator bool
	store     docstore.Channel
	opts      Options
	flags     *signaling.Flags

	pc         *webrtc.PeerConnection
	closeMedia func()
	engine     *signaling.Engine
	audio      *audio.Manager
	onClose    func()

	mu        sync.Mutex
	remoteSet bool
	answered  bool
	pending   []signaling.Candidate
	sent      map[string]struct{}
	hung      bool
	reason    EndReason

	ended  chan struct{}
	stats  stats
	events *util.Ring[Event]
}

type stats struct {
	rtpPackets      atomic.Uint64
	rtpBytes        atomic.Uint64
	lastSeq         atomic.Uint32
	rtcpPackets     atomic.Uint64
	senderReports   atomic.Uint64
	receiverReports atomic.Uint64
}

func (st *stats) addRTP(p *rtp.Packet) {
	st.rtpPackets.Add(1)
	st.rtpBytes.Add(uint64(len(p.Payload)))
	st.lastSeq.Store(uint32(p.SequenceNumber))
}

func (st *stats) addRTCP(pkts []rtcp.Packet) {
	for _, p := range pkts {
		st.rtcpPackets.Add(1)
		switch p.(type) {
		case *rtcp.SenderReport:
			st.senderReports.Add(1)
		case *rtcp.ReceiverReport:
			st.receiverReports.Add(1)
		}
	}
}

func newSession(meetingID string, initiator bool, store docstore.Channel, opts Options, onClose func()) (*Session, error) {
	pc, closeMedia, err := initMediaPC(meetingID, opts)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	s := &Session{
		meetingID:  meetingID,
		initiator:  initiator,
		store:      store,
		opts:       opts,
		flags:      &signaling.Flags{},
		pc:         pc,
		closeMedia: closeMedia,
		onClose:    onClose,
		sent:       make(map[string]struct{}),
		ended:      make(chan struct{}),
		events:     util.NewRing[Event](eventHistory),
	}
	if initiator {
		// Set before the engine sees the record so a stale END_CALL from a
		// previous call on this id is swallowed.
		s.flags.MarkInitiated()
	}

	if opts.NewAudio != nil {
		am, err := opts.NewAudio()
		if err != nil {
			s.releaseMedia()
			return nil, fmt.Errorf("audio: %w", err)
		}
		s.audio = am
		am.Start(s)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infof("[%s] connection %s", meetingID, state)
		s.record("connection %s", state)
	})
	pc.OnTrack(s.onTrack)

	engine, err := signaling.New(store, meetingID, s, s.flags)
	if err != nil {
		s.releaseMedia()
		return nil, err
	}
	s.engine = engine

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := signaling.CandidateFromICE(c, s.serverURL(c))
		s.mu.Lock()
		s.sent[cand.SDP] = struct{}{}
		s.mu.Unlock()
		s.engine.SendIceCandidate(cand, !s.initiator)
	})
	return s, nil
}

// serverURL names the STUN server a reflexive candidate came from.
func (s *Session) serverURL(c *webrtc.ICECandidate) string {
	if c.Typ == webrtc.ICECandidateTypeSrflx && len(s.opts.STUN) > 0 {
		return s.opts.STUN[0]
	}
	return ""
}

func (s *Session) record(format string, args ...any) {
	s.events.Push(Event{At: time.Now(), What: fmt.Sprintf(format, args...)})
}

// offer creates the local offer and publishes it as the call record.
func (s *Session) offer(ctx context.Context) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := signaling.WriteOffer(ctx, s.store, s.meetingID, offer.SDP); err != nil {
		return err
	}
	s.record("offer sent")
	return nil
}

// MeetingID returns the meeting this session belongs to.
func (s *Session) MeetingID() string { return s.meetingID }

// Done is closed once the session has hung up.
func (s *Session) Done() <-chan struct{} { return s.ended }

func (s *Session) OnConnectionEstablished() {
	log.Infof("[%s] signaling store online", s.meetingID)
	s.record("signaling online")
}

func (s *Session) OnOfferReceived(desc webrtc.SessionDescription) {
	if s.initiator {
		log.Debugf("[%s] own offer echoed", s.meetingID)
		return
	}
	s.mu.Lock()
	if s.answered {
		s.mu.Unlock()
		log.Warnf("[%s] renegotiation is not supported, offer ignored", s.meetingID)
		return
	}
	s.answered = true
	s.mu.Unlock()
	s.record("offer received")

	if err := s.answer(desc); err != nil {
		log.Errorf("[%s] answer failed: %v", s.meetingID, err)
		go s.close(EndFailed)
	}
}

func (s *Session) answer(offer webrtc.SessionDescription) error {
	if err := s.setRemote(offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := signaling.WriteAnswer(ctx, s.store, s.meetingID, answer.SDP); err != nil {
		return err
	}
	s.record("answer sent")
	return nil
}

func (s *Session) OnAnswerReceived(desc webrtc.SessionDescription) {
	if !s.initiator {
		log.Debugf("[%s] own answer echoed", s.meetingID)
		return
	}
	s.flags.ClearInitiated()
	if s.pc.RemoteDescription() != nil {
		log.Debugf("[%s] answer already applied", s.meetingID)
		return
	}
	s.record("answer received")
	if err := s.setRemote(desc); err != nil {
		log.Errorf("[%s] apply answer: %v", s.meetingID, err)
		go s.close(EndFailed)
	}
}

// setRemote applies desc and flushes candidates that arrived before it.
func (s *Session) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		s.addCandidate(c)
	}
	return nil
}

func (s *Session) OnIceCandidateReceived(c signaling.Candidate) {
	s.mu.Lock()
	// Once the engine flips to answerer on our own ANSWER it also hands us
	// our own candidates back.
	if _, own := s.sent[c.SDP]; own {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.addCandidate(c)
}

func (s *Session) addCandidate(c signaling.Candidate) {
	if err := s.pc.AddICECandidate(c.Init()); err != nil {
		log.Warnf("[%s] AddICECandidate: %v", s.meetingID, err)
	}
}

func (s *Session) OnCallEnded() {
	log.Infof("[%s] call ended by remote", s.meetingID)
	s.record("ended by remote")
	// close destroys the engine, which waits for this callback to return.
	go s.close(EndRemote)
}

func (s *Session) OnAudioDeviceChanged(selected audio.Device, available audio.DeviceSet) {
	log.Infof("[%s] audio device %s, available %s", s.meetingID, selected, available)
	s.record("audio %s of %s", selected, available)
	if fn := s.opts.OnAudioDeviceChanged; fn != nil {
		fn(s.meetingID, selected, available)
	}
}

// SelectAudioDevice forwards an explicit device choice to the route manager.
func (s *Session) SelectAudioDevice(d audio.Device) {
	if s.audio != nil {
		s.audio.SelectAudioDevice(d)
	}
}

func (s *Session) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	log.Infof("[%s] remote track %s (%s)", s.meetingID, track.ID(), track.Codec().MimeType)
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			s.stats.addRTP(pkt)
		}
	}()
	go func() {
		for {
			pkts, _, err := receiver.ReadRTCP()
			if err != nil {
				return
			}
			s.stats.addRTCP(pkts)
		}
	}()
}

// Hangup ends the call: END_CALL is written once, then everything the
// session owns is released. Safe to call more than once.
func (s *Session) Hangup() {
	s.close(EndLocal)
}

// EndReason reports why the session ended, EndNone while it is live.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) close(reason EndReason) {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	s.reason = reason
	s.mu.Unlock()

	// The other side already knows when it wrote END_CALL itself.
	if s.flags.MarkEnded() && reason != EndRemote {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := signaling.WriteEndCall(ctx, s.store, s.meetingID); err != nil {
			log.Errorf("[%s] write END_CALL: %v", s.meetingID, err)
		}
		cancel()
	}
	s.engine.Destroy()
	s.releaseMedia()
	log.Infof("[%s] ended (%s)", s.meetingID, reason)
	s.record("ended (%s)", reason)
	close(s.ended)
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Session) releaseMedia() {
	if s.audio != nil {
		s.audio.Close()
	}
	if s.closeMedia != nil {
		s.closeMedia()
	}
	if err := s.pc.Close(); err != nil {
		log.Warnf("[%s] close peer connection: %v", s.meetingID, err)
	}
}

// Status reports negotiation, routing and media counters.
func (s *Session) Status() Status {
	s.mu.Lock()
	remote := s.remoteSet
	hung := s.hung
	reason := s.reason
	s.mu.Unlock()

	st := Status{
		MeetingID:       s.meetingID,
		Initiator:       s.initiator,
		Role:            s.engine.Role().String(),
		Connection:      s.pc.ConnectionState().String(),
		Remote:          remote,
		Ended:           hung || s.flags.Ended(),
		EndReason:       reason.String(),
		RTPPackets:      s.stats.rtpPackets.Load(),
		RTPBytes:        s.stats.rtpBytes.Load(),
		LastSequence:    uint16(s.stats.lastSeq.Load()),
		RTCPPackets:     s.stats.rtcpPackets.Load(),
		SenderReports:   s.stats.senderReports.Load(),
		ReceiverReports: s.stats.receiverReports.Load(),
		Events:          s.events.Items(),
	}
	if s.audio != nil && !hung {
		st.AudioDevice = s.audio.SelectedAudioDevice().String()
		for _, d := range s.audio.AudioDevices().Slice() {
			st.AudioDevices = append(st.AudioDevices, d.String())
		}
	}
	return st
}
