package audio

import (
	"errors"
	"fmt"
)

// Mode is the OS audio mode.
type Mode int

const (
	ModeInvalid Mode = iota - 1
	ModeNormal
	ModeRingtone
	ModeInCall
	ModeInCommunication
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeRingtone:
		return "RINGTONE"
	case ModeInCall:
		return "IN_CALL"
	case ModeInCommunication:
		return "IN_COMMUNICATION"
	default:
		return "INVALID"
	}
}

// FocusChange is an audio focus transition reported by the OS.
type FocusChange int

const (
	FocusGain FocusChange = iota + 1
	FocusGainTransient
	FocusGainTransientExclusive
	FocusGainTransientMayDuck
	FocusLoss
	FocusLossTransient
	FocusLossTransientCanDuck
)

func (f FocusChange) String() string {
	switch f {
	case FocusGain:
		return "AUDIOFOCUS_GAIN"
	case FocusGainTransient:
		return "AUDIOFOCUS_GAIN_TRANSIENT"
	case FocusGainTransientExclusive:
		return "AUDIOFOCUS_GAIN_TRANSIENT_EXCLUSIVE"
	case FocusGainTransientMayDuck:
		return "AUDIOFOCUS_GAIN_TRANSIENT_MAY_DUCK"
	case FocusLoss:
		return "AUDIOFOCUS_LOSS"
	case FocusLossTransient:
		return "AUDIOFOCUS_LOSS_TRANSIENT"
	case FocusLossTransientCanDuck:
		return "AUDIOFOCUS_LOSS_TRANSIENT_CAN_DUCK"
	default:
		return "AUDIOFOCUS_INVALID"
	}
}

// HeadsetEvent is one wired accessory plug or unplug.
type HeadsetEvent struct {
	Plugged    bool
	Microphone bool
	Name       string
}

// Backend is the OS audio layer. Calls are local and return quickly.
type Backend interface {
	Mode() Mode
	SetMode(Mode)

	MicrophoneMute() bool
	SetMicrophoneMute(bool)

	// RequestAudioFocus asks for transient focus on the voice call stream.
	// onChange may be called from any goroutine until AbandonAudioFocus.
	RequestAudioFocus(onChange func(FocusChange)) bool
	AbandonAudioFocus()

	HasEarpiece() bool
	// HasWiredHeadset reports a wired or USB headset currently attached.
	HasWiredHeadset() bool

	// SubscribeHeadset delivers plug events until cancel is called. cancel
	// must not block on the consumer.
	SubscribeHeadset() (<-chan HeadsetEvent, func())
}

// CommunicationDeviceBackend routes by selecting a communication device.
type CommunicationDeviceBackend interface {
	Backend
	CommunicationDevice() (Device, bool)
	// SetCommunicationDevice reports false when no endpoint of class d exists.
	SetCommunicationDevice(d Device) bool
	ClearCommunicationDevice()
}

// SpeakerphoneBackend can only toggle the speakerphone.
type SpeakerphoneBackend interface {
	Backend
	SpeakerphoneOn() bool
	SetSpeakerphoneOn(bool)
}

var ErrUnsupportedBackend = errors.New("audio backend supports neither communication devices nor speakerphone")

// router applies a device choice to the OS. One is picked per backend.
type router interface {
	name() string
	save()
	route(d Device)
	restore()
}

func newRouter(b Backend) (router, error) {
	switch b := b.(type) {
	case CommunicationDeviceBackend:
		return &deviceRouter{b: b}, nil
	case SpeakerphoneBackend:
		return &speakerRouter{b: b}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedBackend, b)
	}
}

type deviceRouter struct {
	b        CommunicationDeviceBackend
	saved    Device
	hadSaved bool
}

func (r *deviceRouter) name() string { return "communication-device" }

func (r *deviceRouter) save() {
	r.saved, r.hadSaved = r.b.CommunicationDevice()
}

func (r *deviceRouter) route(d Device) {
	if !r.b.SetCommunicationDevice(d) {
		log.Warnf("no communication device of class %s", d)
	}
}

func (r *deviceRouter) restore() {
	if r.hadSaved && r.b.SetCommunicationDevice(r.saved) {
		return
	}
	r.b.ClearCommunicationDevice()
}

type speakerRouter struct {
	b     SpeakerphoneBackend
	saved bool
}

func (r *speakerRouter) name() string { return "speakerphone" }

func (r *speakerRouter) save() { r.saved = r.b.SpeakerphoneOn() }

func (r *speakerRouter) route(d Device) { r.b.SetSpeakerphoneOn(d == SpeakerPhone) }

func (r *speakerRouter) restore() { r.b.SetSpeakerphoneOn(r.saved) }
