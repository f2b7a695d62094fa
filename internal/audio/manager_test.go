package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu sync.Mutex

	mode       Mode
	micMute    bool
	earpiece   bool
	headset    bool
	denyFocus  bool
	focusHeld  bool
	focusCalls int

	subs       map[int]chan HeadsetEvent
	nextSub    int
	subscribed int
}

func newFakeBackend(earpiece bool) *fakeBackend {
	return &fakeBackend{mode: ModeNormal, earpiece: earpiece, subs: make(map[int]chan HeadsetEvent)}
}

func (f *fakeBackend) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeBackend) SetMode(m Mode) {
	f.mu.Lock()
	f.mode = m
	f.mu.Unlock()
}

func (f *fakeBackend) MicrophoneMute() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.micMute
}

func (f *fakeBackend) SetMicrophoneMute(on bool) {
	f.mu.Lock()
	f.micMute = on
	f.mu.Unlock()
}

func (f *fakeBackend) RequestAudioFocus(onChange func(FocusChange)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusCalls++
	if f.denyFocus {
		return false
	}
	f.focusHeld = true
	onChange(FocusGainTransient)
	return true
}

func (f *fakeBackend) AbandonAudioFocus() {
	f.mu.Lock()
	f.focusHeld = false
	f.mu.Unlock()
}

func (f *fakeBackend) HasEarpiece() bool { return f.earpiece }

func (f *fakeBackend) HasWiredHeadset() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headset
}

func (f *fakeBackend) SubscribeHeadset() (<-chan HeadsetEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed++
	id := f.nextSub
	f.nextSub++
	ch := make(chan HeadsetEvent, 8)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
}

func (f *fakeBackend) plug(plugged bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headset = plugged
	for _, ch := range f.subs {
		ch <- HeadsetEvent{Plugged: plugged, Microphone: true, Name: "Headset"}
	}
}

func (f *fakeBackend) activeSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeCommBackend struct {
	*fakeBackend
	device    Device
	hasDevice bool
	cleared   bool
}

func (f *fakeCommBackend) CommunicationDevice() (Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device, f.hasDevice
}

func (f *fakeCommBackend) SetCommunicationDevice(d Device) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d == Earpiece && !f.earpiece {
		return false
	}
	f.device, f.hasDevice, f.cleared = d, true, false
	return true
}

func (f *fakeCommBackend) ClearCommunicationDevice() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.device, f.hasDevice, f.cleared = None, false, true
}

func (f *fakeCommBackend) current() Device {
	d, _ := f.CommunicationDevice()
	return d
}

type fakeSpeakerBackend struct {
	*fakeBackend
	speaker bool
}

func (f *fakeSpeakerBackend) SpeakerphoneOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaker
}

func (f *fakeSpeakerBackend) SetSpeakerphoneOn(on bool) {
	f.mu.Lock()
	f.speaker = on
	f.mu.Unlock()
}

type deviceEvent struct {
	selected  Device
	available DeviceSet
}

type eventLog chan deviceEvent

func (l eventLog) OnAudioDeviceChanged(selected Device, available DeviceSet) {
	l <- deviceEvent{selected, available}
}

func (l eventLog) next(t *testing.T) deviceEvent {
	t.Helper()
	select {
	case ev := <-l:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for device change")
		return deviceEvent{}
	}
}

func (l eventLog) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-l:
		t.Fatalf("unexpected device change %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newManager(t *testing.T, b Backend, pref string) *Manager {
	t.Helper()
	m, err := Create(b, pref)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestStartPrefersEarpiece(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true)}
	b.micMute = true
	m := newManager(t, b, SpeakerphoneFalse)
	events := make(eventLog, 8)

	m.Start(events)

	ev := events.next(t)
	want := NewDeviceSet(SpeakerPhone, Earpiece)
	if ev.selected != Earpiece || ev.available != want {
		t.Fatalf("got %s %s, want EARPIECE %s", ev.selected, ev.available, want)
	}
	if got := b.current(); got != Earpiece {
		t.Fatalf("communication device = %s, want EARPIECE", got)
	}
	if b.Mode() != ModeInCommunication {
		t.Fatalf("mode = %s", b.Mode())
	}
	if b.MicrophoneMute() {
		t.Fatal("microphone still muted")
	}
	if m.State() != Running {
		t.Fatalf("state = %s", m.State())
	}
	if m.UserSelectedAudioDevice() != None {
		t.Fatalf("user selection = %s, want NONE", m.UserSelectedAudioDevice())
	}
}

func TestUpdateAudioDeviceStateIsIdempotent(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true)}
	m := newManager(t, b, SpeakerphoneAuto)
	events := make(eventLog, 8)

	m.Start(events)
	if ev := events.next(t); ev.selected != SpeakerPhone {
		t.Fatalf("got %s", ev.selected)
	}

	m.UpdateAudioDeviceState()
	m.UpdateAudioDeviceState()
	events.expectNone(t)
}

func TestHeadsetPromotesAndDemotesSelection(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true)}
	m := newManager(t, b, SpeakerphoneTrue)
	events := make(eventLog, 8)

	m.Start(events)
	events.next(t)
	m.SelectAudioDevice(SpeakerPhone)
	events.expectNone(t)

	b.plug(true)
	ev := events.next(t)
	if ev.selected != WiredHeadset || ev.available != NewDeviceSet(WiredHeadset) {
		t.Fatalf("after plug: %s %s", ev.selected, ev.available)
	}
	if got := m.UserSelectedAudioDevice(); got != WiredHeadset {
		t.Fatalf("user selection = %s, want WIRED_HEADSET", got)
	}
	if got := b.current(); got != WiredHeadset {
		t.Fatalf("communication device = %s", got)
	}

	b.plug(false)
	ev = events.next(t)
	if ev.selected != SpeakerPhone || ev.available != NewDeviceSet(SpeakerPhone, Earpiece) {
		t.Fatalf("after unplug: %s %s", ev.selected, ev.available)
	}
	if got := m.UserSelectedAudioDevice(); got != SpeakerPhone {
		t.Fatalf("user selection = %s, want SPEAKER_PHONE", got)
	}
}

func TestHeadsetAttachedAtStart(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true)}
	b.headset = true
	m := newManager(t, b, SpeakerphoneFalse)
	events := make(eventLog, 8)

	m.Start(events)
	ev := events.next(t)
	if ev.selected != WiredHeadset || ev.available != NewDeviceSet(WiredHeadset) {
		t.Fatalf("got %s %s", ev.selected, ev.available)
	}
}

func TestStartTwiceSubscribesOnce(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(false)}
	m := newManager(t, b, SpeakerphoneAuto)
	events := make(eventLog, 8)

	m.Start(events)
	m.Start(events)

	if b.subscribed != 1 || b.focusCalls != 1 {
		t.Fatalf("subscribed=%d focusCalls=%d, want 1 and 1", b.subscribed, b.focusCalls)
	}
	events.next(t)
	events.expectNone(t)
}

func TestStopRestoresPreviousState(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true), device: Earpiece, hasDevice: true}
	b.mode = ModeRingtone
	b.micMute = true
	m := newManager(t, b, SpeakerphoneTrue)
	events := make(eventLog, 8)

	m.Start(events)
	if got := b.current(); got != SpeakerPhone {
		t.Fatalf("communication device = %s", got)
	}

	m.Stop()
	if b.Mode() != ModeRingtone {
		t.Fatalf("mode = %s, want RINGTONE", b.Mode())
	}
	if !b.MicrophoneMute() {
		t.Fatal("microphone mute not restored")
	}
	if got := b.current(); got != Earpiece {
		t.Fatalf("communication device = %s, want EARPIECE", got)
	}
	if b.focusHeld {
		t.Fatal("audio focus not abandoned")
	}
	if b.activeSubs() != 0 {
		t.Fatal("headset subscription not cancelled")
	}
	if m.State() != Uninitialized {
		t.Fatalf("state = %s", m.State())
	}

	// stop while stopped is ignored
	m.Stop()

	// a headset event after stop reaches nobody
	b.plug(true)
	events.next(t) // from Start
	events.expectNone(t)
}

func TestStopClearsDeviceWhenNoneWasSet(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(false)}
	m := newManager(t, b, SpeakerphoneAuto)

	m.Start(nil)
	m.Stop()
	if !b.cleared {
		t.Fatal("communication device not cleared")
	}
}

func TestRestartAfterStop(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(false)}
	m := newManager(t, b, SpeakerphoneAuto)
	events := make(eventLog, 8)

	m.Start(events)
	m.Stop()
	m.Start(events)

	if b.subscribed != 2 {
		t.Fatalf("subscribed = %d, want 2", b.subscribed)
	}
	events.next(t)
	events.next(t)

	b.plug(true)
	if ev := events.next(t); ev.selected != WiredHeadset {
		t.Fatalf("got %s", ev.selected)
	}
}

func TestSelectUnavailableDeviceIgnored(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(false)}
	m := newManager(t, b, SpeakerphoneAuto)
	events := make(eventLog, 8)

	m.Start(events)
	events.next(t)

	m.SelectAudioDevice(Earpiece)
	m.SelectAudioDevice(WiredHeadset)
	events.expectNone(t)
	if got := m.UserSelectedAudioDevice(); got != None {
		t.Fatalf("user selection = %s, want NONE", got)
	}
	if got := m.SelectedAudioDevice(); got != SpeakerPhone {
		t.Fatalf("selected = %s", got)
	}
}

func TestSetDefaultAudioDevice(t *testing.T) {
	cases := []struct {
		name     string
		earpiece bool
		in       Device
		want     Device
	}{
		{"speaker", true, SpeakerPhone, SpeakerPhone},
		{"earpiece", true, Earpiece, Earpiece},
		{"earpiece without one", false, Earpiece, SpeakerPhone},
		{"headset is not a default", true, WiredHeadset, SpeakerPhone},
		{"none is not a default", true, None, SpeakerPhone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeCommBackend{fakeBackend: newFakeBackend(tc.earpiece)}
			m := newManager(t, b, SpeakerphoneFalse)
			m.Start(nil)

			m.SetDefaultAudioDevice(tc.in)
			if got := m.DefaultAudioDevice(); got != tc.want {
				t.Fatalf("default = %s, want %s", got, tc.want)
			}
			if got := m.SelectedAudioDevice(); got != tc.want {
				t.Fatalf("selected = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDefaultWinsOverUserSelection(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true)}
	m := newManager(t, b, SpeakerphoneTrue)
	events := make(eventLog, 8)

	m.Start(events)
	events.next(t)

	m.SelectAudioDevice(Earpiece)
	events.expectNone(t)
	if got := m.UserSelectedAudioDevice(); got != Earpiece {
		t.Fatalf("user selection = %s", got)
	}
	if got := m.SelectedAudioDevice(); got != SpeakerPhone {
		t.Fatalf("selected = %s, want SPEAKER_PHONE", got)
	}
}

func TestSpeakerphoneBackend(t *testing.T) {
	b := &fakeSpeakerBackend{fakeBackend: newFakeBackend(true)}
	m := newManager(t, b, SpeakerphoneAuto)
	events := make(eventLog, 8)

	m.Start(events)
	if !b.SpeakerphoneOn() {
		t.Fatal("speakerphone not enabled")
	}
	m.SetDefaultAudioDevice(Earpiece)
	if ev := events.next(t); ev.selected != SpeakerPhone {
		t.Fatalf("got %s", ev.selected)
	}
	if ev := events.next(t); ev.selected != Earpiece {
		t.Fatalf("got %s", ev.selected)
	}
	if b.SpeakerphoneOn() {
		t.Fatal("speakerphone still on for earpiece")
	}

	m.SetDefaultAudioDevice(SpeakerPhone)
	m.Stop()
	if b.SpeakerphoneOn() {
		t.Fatal("speakerphone flag not restored")
	}
}

func TestFocusDeniedStillStarts(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(false)}
	b.denyFocus = true
	m := newManager(t, b, SpeakerphoneAuto)

	m.Start(nil)
	if m.State() != Running {
		t.Fatal("not running after focus denial")
	}
	if got := m.SelectedAudioDevice(); got != SpeakerPhone {
		t.Fatalf("selected = %s", got)
	}
}

func TestListenerMayCallBack(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true)}
	m := newManager(t, b, SpeakerphoneAuto)

	seen := make(chan DeviceSet, 4)
	m.Start(EventsFunc(func(selected Device, available DeviceSet) {
		seen <- m.AudioDevices()
	}))

	select {
	case got := <-seen:
		if got != NewDeviceSet(SpeakerPhone, Earpiece) {
			t.Fatalf("devices = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener deadlocked")
	}
}

func TestUpdateBeforeStartDoesNothing(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(true)}
	m := newManager(t, b, SpeakerphoneAuto)

	m.UpdateAudioDeviceState()
	if b.hasDevice {
		t.Fatal("device routed before start")
	}
	if m.AudioDevices().Len() != 0 {
		t.Fatalf("devices = %s", m.AudioDevices())
	}
}

func TestCloseStopsAndRejects(t *testing.T) {
	b := &fakeCommBackend{fakeBackend: newFakeBackend(false)}
	b.mode = ModeRingtone
	m, err := Create(b, SpeakerphoneAuto)
	if err != nil {
		t.Fatal(err)
	}
	m.Start(nil)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if b.Mode() != ModeRingtone {
		t.Fatalf("mode = %s after close", b.Mode())
	}
	if err := m.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close: %v", err)
	}
	if got := m.SelectedAudioDevice(); got != None {
		t.Fatalf("selected after close = %s", got)
	}
}

func TestUnsupportedBackend(t *testing.T) {
	if _, err := Create(newFakeBackend(false), SpeakerphoneAuto); !errors.Is(err, ErrUnsupportedBackend) {
		t.Fatalf("err = %v", err)
	}
}

func TestDefaultDeviceFor(t *testing.T) {
	cases := []struct {
		pref     string
		earpiece bool
		want     Device
	}{
		{SpeakerphoneFalse, true, Earpiece},
		{SpeakerphoneFalse, false, SpeakerPhone},
		{SpeakerphoneTrue, true, SpeakerPhone},
		{SpeakerphoneAuto, true, SpeakerPhone},
		{"", true, SpeakerPhone},
	}
	for _, tc := range cases {
		if got := DefaultDeviceFor(tc.pref, tc.earpiece); got != tc.want {
			t.Errorf("DefaultDeviceFor(%q, %t) = %s, want %s", tc.pref, tc.earpiece, got, tc.want)
		}
	}
}

func TestDeviceSet(t *testing.T) {
	s := NewDeviceSet(Earpiece, SpeakerPhone)
	if !s.Has(SpeakerPhone) || !s.Has(Earpiece) || s.Has(WiredHeadset) {
		t.Fatalf("membership wrong: %s", s)
	}
	if s.String() != "[SPEAKER_PHONE, EARPIECE]" {
		t.Fatalf("String() = %s", s)
	}
	if d, ok := ParseDevice("wired_headset"); !ok || d != WiredHeadset {
		t.Fatalf("ParseDevice = %s %t", d, ok)
	}
}
