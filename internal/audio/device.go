package audio

import (
	"strings"
)

// Device is a class of audio output, not a specific piece of hardware.
type Device int

const (
	None Device = iota
	SpeakerPhone
	WiredHeadset
	Earpiece
)

func (d Device) String() string {
	switch d {
	case SpeakerPhone:
		return "SPEAKER_PHONE"
	case WiredHeadset:
		return "WIRED_HEADSET"
	case Earpiece:
		return "EARPIECE"
	default:
		return "NONE"
	}
}

// ParseDevice accepts the names produced by Device.String, case-insensitively.
func ParseDevice(s string) (Device, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SPEAKER_PHONE", "SPEAKER":
		return SpeakerPhone, true
	case "WIRED_HEADSET", "HEADSET":
		return WiredHeadset, true
	case "EARPIECE":
		return Earpiece, true
	case "NONE":
		return None, true
	}
	return None, false
}

// DeviceSet is an immutable set of devices.
type DeviceSet uint8

func bit(d Device) DeviceSet { return 1 << uint(d) }

// Has reports whether d is in the set.
func (s DeviceSet) Has(d Device) bool { return s&bit(d) != 0 }

// With returns s plus d.
func (s DeviceSet) With(d Device) DeviceSet { return s | bit(d) }

func (s DeviceSet) Len() int { return len(s.Slice()) }

// Slice lists the members in a stable order.
func (s DeviceSet) Slice() []Device {
	var out []Device
	for _, d := range []Device{SpeakerPhone, WiredHeadset, Earpiece, None} {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func (s DeviceSet) String() string {
	names := make([]string, 0, 4)
	for _, d := range s.Slice() {
		names = append(names, d.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// NewDeviceSet builds a set from ds.
func NewDeviceSet(ds ...Device) DeviceSet {
	var s DeviceSet
	for _, d := range ds {
		s = s.With(d)
	}
	return s
}

// State is the manager's own lifecycle.
type State int

const (
	Uninitialized State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "UNINITIALIZED"
}

// Events receives routing changes.
type Events interface {
	OnAudioDeviceChanged(selected Device, available DeviceSet)
}

// EventsFunc adapts a function to Events.
type EventsFunc func(selected Device, available DeviceSet)

func (f EventsFunc) OnAudioDeviceChanged(selected Device, available DeviceSet) {
	f(selected, available)
}

// Speakerphone preference values.
const (
	SpeakerphoneAuto  = "auto"
	SpeakerphoneTrue  = "true"
	SpeakerphoneFalse = "false"
)

// DefaultDeviceFor maps a speakerphone preference to the default device.
// Only "false" prefers the earpiece, and only when there is one.
func DefaultDeviceFor(pref string, hasEarpiece bool) Device {
	if pref == SpeakerphoneFalse && hasEarpiece {
		return Earpiece
	}
	return SpeakerPhone
}
