// Package audio decides which output device carries a call and keeps the OS
// audio layer in line with that decision.
//
// All state lives on one control goroutine. Public methods hand their work to
// it and wait, so they are safe to call from anywhere, including from an
// Events callback.
package audio

import (
	"errors"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("audio")

var ErrClosed = errors.New("audio manager closed")

// Manager is the audio route manager for one call.
type Manager struct {
	backend Backend
	router  router

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the control goroutine.
	state           State
	events          Events
	savedMode       Mode
	savedMicMute    bool
	hasWiredHeadset bool
	defaultDevice   Device
	selected        Device
	userSelected    Device
	devices         DeviceSet
	stopHeadset     func()
	generation      int
	notes           []func()
}

// Create builds a manager for backend. pref is the persisted speakerphone
// preference ("auto", "true" or "false").
func Create(backend Backend, pref string) (*Manager, error) {
	r, err := newRouter(backend)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		backend:       backend,
		router:        r,
		ops:           make(chan func()),
		done:          make(chan struct{}),
		savedMode:     ModeInvalid,
		defaultDevice: DefaultDeviceFor(pref, backend.HasEarpiece()),
	}
	log.Debugf("created with %s routing, default %s", r.name(), m.defaultDevice)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.done:
			return
		}
	}
}

// do runs fn on the control goroutine, then delivers any notifications it
// queued from the calling goroutine.
func (m *Manager) do(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	reply := make(chan []func(), 1)
	op := func() {
		fn()
		notes := m.notes
		m.notes = nil
		reply <- notes
	}
	select {
	case m.ops <- op:
	case <-m.done:
		return false
	}
	for _, n := range <-reply {
		n()
	}
	return true
}

// Start takes over the OS audio state for a call and begins routing.
func (m *Manager) Start(events Events) {
	m.do(func() { m.start(events) })
}

func (m *Manager) start(events Events) {
	if m.state == Running {
		log.Error("AudioManager is already active")
		return
	}
	log.Debug("start")
	m.events = events
	m.state = Running

	m.savedMode = m.backend.Mode()
	m.router.save()
	m.savedMicMute = m.backend.MicrophoneMute()
	m.hasWiredHeadset = m.backend.HasWiredHeadset()

	if m.backend.RequestAudioFocus(func(fc FocusChange) {
		log.Debugf("onAudioFocusChange: %s", fc)
	}) {
		log.Debug("audio focus request granted for VOICE_CALL streams")
	} else {
		log.Error("audio focus request failed")
	}

	m.backend.SetMode(ModeInCommunication)
	m.setMicrophoneMute(false)

	m.userSelected = None
	m.selected = None
	m.devices = 0

	m.updateDeviceState()

	m.generation++
	ch, cancel := m.backend.SubscribeHeadset()
	m.stopHeadset = cancel
	go m.forwardHeadset(m.generation, ch)
}

func (m *Manager) forwardHeadset(gen int, ch <-chan HeadsetEvent) {
	for ev := range ch {
		if !m.do(func() { m.onHeadset(gen, ev) }) {
			return
		}
	}
}

func (m *Manager) onHeadset(gen int, ev HeadsetEvent) {
	if m.state != Running || gen != m.generation {
		return
	}
	log.Debugf("headset %q plugged=%t mic=%t", ev.Name, ev.Plugged, ev.Microphone)
	m.hasWiredHeadset = ev.Plugged
	m.updateDeviceState()
}

// Stop gives the OS audio state back as it was before Start.
func (m *Manager) Stop() {
	m.do(m.stop)
}

func (m *Manager) stop() {
	if m.state != Running {
		log.Errorf("trying to stop AudioManager in incorrect state: %s", m.state)
		return
	}
	log.Debug("stop")
	m.state = Uninitialized

	if m.stopHeadset != nil {
		m.stopHeadset()
		m.stopHeadset = nil
	}
	m.router.restore()
	m.setMicrophoneMute(m.savedMicMute)
	m.backend.SetMode(m.savedMode)
	m.backend.AbandonAudioFocus()
	m.events = nil
}

// SetDefaultAudioDevice sets the device used when no headset is attached.
// Only SpeakerPhone and Earpiece are accepted.
func (m *Manager) SetDefaultAudioDevice(d Device) {
	m.do(func() {
		switch d {
		case SpeakerPhone:
			m.defaultDevice = d
		case Earpiece:
			if m.backend.HasEarpiece() {
				m.defaultDevice = d
			} else {
				m.defaultDevice = SpeakerPhone
			}
		default:
			log.Errorf("invalid default audio device selection: %s", d)
			m.defaultDevice = SpeakerPhone
		}
		log.Debugf("default audio device: %s", m.defaultDevice)
		m.updateDeviceState()
	})
}

// SelectAudioDevice records an explicit user choice. Devices outside the
// available set are ignored.
func (m *Manager) SelectAudioDevice(d Device) {
	m.do(func() {
		if !m.devices.Has(d) {
			log.Errorf("can not select %s from available %s", d, m.devices)
			return
		}
		m.userSelected = d
		m.updateDeviceState()
	})
}

// UpdateAudioDeviceState recomputes the routing from current hardware and
// preferences.
func (m *Manager) UpdateAudioDeviceState() {
	m.do(m.updateDeviceState)
}

// AudioDevices returns the currently available devices.
func (m *Manager) AudioDevices() DeviceSet {
	var s DeviceSet
	m.do(func() { s = m.devices })
	return s
}

// SelectedAudioDevice returns the active device, None before Start.
func (m *Manager) SelectedAudioDevice() Device {
	d := None
	m.do(func() { d = m.selected })
	return d
}

// UserSelectedAudioDevice returns the remembered explicit choice.
func (m *Manager) UserSelectedAudioDevice() Device {
	d := None
	m.do(func() { d = m.userSelected })
	return d
}

func (m *Manager) DefaultAudioDevice() Device {
	d := None
	m.do(func() { d = m.defaultDevice })
	return d
}

func (m *Manager) State() State {
	s := Uninitialized
	m.do(func() { s = m.state })
	return s
}

// Close stops the manager if it is running and ends the control goroutine.
// A backend that is an io.Closer is closed too. Later calls on m are no-ops.
func (m *Manager) Close() error {
	if !m.do(func() {
		if m.state == Running {
			m.stop()
		}
	}) {
		return ErrClosed
	}
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		if c, ok := m.backend.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

func (m *Manager) setMicrophoneMute(on bool) {
	if m.backend.MicrophoneMute() != on {
		m.backend.SetMicrophoneMute(on)
	}
}

// updateDeviceState is the routing decision. It runs only while running so
// that nothing touches the OS before its state has been saved.
func (m *Manager) updateDeviceState() {
	if m.state != Running {
		log.Debug("not running, device update skipped")
		return
	}

	var next DeviceSet
	if m.hasWiredHeadset {
		next = NewDeviceSet(WiredHeadset)
	} else {
		next = NewDeviceSet(SpeakerPhone)
		if m.backend.HasEarpiece() {
			next = next.With(Earpiece)
		}
	}
	setChanged := next != m.devices
	m.devices = next

	switch {
	case m.hasWiredHeadset && m.userSelected == SpeakerPhone:
		m.userSelected = WiredHeadset
	case !m.hasWiredHeadset && m.userSelected == WiredHeadset:
		m.userSelected = SpeakerPhone
	}

	// Headset presence and the configured default decide; the remembered
	// user choice does not.
	want := m.defaultDevice
	if m.hasWiredHeadset {
		want = WiredHeadset
	}

	if want == m.selected && !setChanged {
		return
	}
	if m.devices.Has(want) {
		m.router.route(want)
		m.selected = want
	}
	log.Infof("audio device %s, available %s", m.selected, m.devices)

	if ev := m.events; ev != nil {
		selected, devices := m.selected, m.devices
		m.notes = append(m.notes, func() { ev.OnAudioDeviceChanged(selected, devices) })
	}
}
