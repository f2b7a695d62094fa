package call

import (
	"errors"
	"time"

	"github.com/petervdpas/goopcall/internal/audio"
)

var ErrClosed = errors.New("call manager closed")

// Options configures every session a Manager creates.
type Options struct {
	// STUN lists ICE server URLs. Empty means host candidates only.
	STUN []string
	// PionLogLevel is one of disabled, error, warn, info, debug, trace.
	PionLogLevel string
	// NewAudio builds the audio route manager for a session. Nil disables
	// audio routing.
	NewAudio func() (*audio.Manager, error)
	// OnAudioDeviceChanged, if set, is told about every routing change.
	OnAudioDeviceChanged func(meetingID string, selected audio.Device, available audio.DeviceSet)
}

// EndReason says why a session ended: EndLocal for Hangup or manager Close,
// EndRemote when the other side wrote END_CALL, EndFailed when negotiation
// broke down on this side.
type EndReason int

const (
	EndNone EndReason = iota
	EndLocal
	EndRemote
	EndFailed
)

func (r EndReason) String() string {
	switch r {
	case EndLocal:
		return "hangup"
	case EndRemote:
		return "remote"
	case EndFailed:
		return "failed"
	default:
		return ""
	}
}

// Status is a point-in-time view of a session.
type Status struct {
	MeetingID    string   `json:"meeting_id"`
	Initiator    bool     `json:"initiator"`
	Role         string   `json:"role"`
	Connection   string   `json:"connection"`
	Remote       bool     `json:"remote_description"`
	Ended        bool     `json:"ended"`
	EndReason    string   `json:"end_reason,omitempty"`
	AudioDevice  string   `json:"audio_device,omitempty"`
	AudioDevices []string `json:"audio_devices,omitempty"`

	RTPPackets      uint64 `json:"rtp_packets"`
	RTPBytes        uint64 `json:"rtp_bytes"`
	LastSequence    uint16 `json:"last_sequence"`
	RTCPPackets     uint64 `json:"rtcp_packets"`
	SenderReports   uint64 `json:"sender_reports"`
	ReceiverReports uint64 `json:"receiver_reports"`

	// Events holds the most recent session events, oldest first.
	Events []Event `json:"events,omitempty"`
}

type Event struct {
	At   time.Time `json:"at"`
	What string    `json:"what"`
}
