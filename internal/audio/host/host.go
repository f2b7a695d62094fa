// Package host is the audio backend for a desktop machine. Devices come from
// pion/mediadevices; plug events come from watching the sound device
// directory.
package host

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/mediadevices"

	"github.com/petervdpas/goopcall/internal/audio"
)

var log = logging.Logger("audio/host")

// DefaultSoundDir is where ALSA exposes its device nodes.
const DefaultSoundDir = "/dev/snd"

// Options configures a Backend.
type Options struct {
	// Earpiece reports a dedicated earpiece. Desktops normally have none.
	Earpiece bool
	// SoundDir is watched for device nodes appearing or disappearing. Empty
	// disables plug events.
	SoundDir string
}

// Backend keeps call mode, mute and focus in memory and routes between the
// devices mediadevices can see.
type Backend struct {
	opts      Options
	enumerate func() []mediadevices.MediaDeviceInfo

	mu        sync.Mutex
	mode      audio.Mode
	micMute   bool
	device    audio.Device
	hasDevice bool
	focus     func(audio.FocusChange)
	headset   bool
	subs      map[int]chan audio.HeadsetEvent
	nextSub   int

	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
}

var _ audio.CommunicationDeviceBackend = (*Backend)(nil)

// New opens a backend. A missing sound directory is logged and leaves the
// backend without plug events.
func New(opts Options) (*Backend, error) {
	return newBackend(opts, mediadevices.EnumerateDevices)
}

func newBackend(opts Options, enumerate func() []mediadevices.MediaDeviceInfo) (*Backend, error) {
	b := &Backend{
		opts:      opts,
		enumerate: enumerate,
		mode:      audio.ModeNormal,
		subs:      make(map[int]chan audio.HeadsetEvent),
		closed:    make(chan struct{}),
	}
	b.headset = b.scanHeadset()

	if opts.SoundDir == "" {
		return b, nil
	}
	if _, err := os.Stat(opts.SoundDir); err != nil {
		log.Warnf("sound dir %s unavailable, no plug events: %v", opts.SoundDir, err)
		return b, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(opts.SoundDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", opts.SoundDir, err)
	}
	b.watcher = w
	go b.watchLoop()
	return b, nil
}

// Close stops watching and ends every headset subscription.
func (b *Backend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.closed)
		if b.watcher != nil {
			err = b.watcher.Close()
		}
		b.mu.Lock()
		for id, ch := range b.subs {
			close(ch)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	})
	return err
}

func (b *Backend) watchLoop() {
	for {
		select {
		case <-b.closed:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			b.rescan(event.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}

// rescan re-enumerates devices and emits an event if headset presence
// changed.
func (b *Backend) rescan(cause string) {
	present := b.scanHeadset()

	b.mu.Lock()
	defer b.mu.Unlock()
	if present == b.headset {
		return
	}
	b.headset = present
	log.Debugf("headset plugged=%t (%s)", present, cause)
	ev := audio.HeadsetEvent{Plugged: present, Microphone: present, Name: cause}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn("headset subscriber slow, event dropped")
		}
	}
}

// scanHeadset looks for a wired or USB headset among the audio inputs.
func (b *Backend) scanHeadset() bool {
	for _, d := range b.enumerate() {
		if d.Kind != mediadevices.AudioInput {
			continue
		}
		if isHeadsetLabel(d.Label) {
			return true
		}
	}
	return false
}

func isHeadsetLabel(label string) bool {
	l := strings.ToLower(label)
	for _, k := range []string{"headset", "headphone", "usb"} {
		if strings.Contains(l, k) {
			return true
		}
	}
	return false
}

func (b *Backend) Mode() audio.Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mode
}

func (b *Backend) SetMode(m audio.Mode) {
	b.mu.Lock()
	b.mode = m
	b.mu.Unlock()
	log.Debugf("mode %s", m)
}

func (b *Backend) MicrophoneMute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.micMute
}

func (b *Backend) SetMicrophoneMute(on bool) {
	b.mu.Lock()
	b.micMute = on
	b.mu.Unlock()
}

// RequestAudioFocus always grants; there is no focus arbitration on a
// desktop.
func (b *Backend) RequestAudioFocus(onChange func(audio.FocusChange)) bool {
	b.mu.Lock()
	b.focus = onChange
	b.mu.Unlock()
	if onChange != nil {
		onChange(audio.FocusGainTransient)
	}
	return true
}

func (b *Backend) AbandonAudioFocus() {
	b.mu.Lock()
	fn := b.focus
	b.focus = nil
	b.mu.Unlock()
	if fn != nil {
		fn(audio.FocusLoss)
	}
}

func (b *Backend) HasEarpiece() bool { return b.opts.Earpiece }

func (b *Backend) HasWiredHeadset() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headset
}

func (b *Backend) SubscribeHeadset() (<-chan audio.HeadsetEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan audio.HeadsetEvent, 8)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
}

func (b *Backend) CommunicationDevice() (audio.Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device, b.hasDevice
}

func (b *Backend) SetCommunicationDevice(d audio.Device) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch d {
	case audio.SpeakerPhone:
	case audio.Earpiece:
		if !b.opts.Earpiece {
			return false
		}
	case audio.WiredHeadset:
		if !b.headset {
			return false
		}
	default:
		return false
	}
	b.device, b.hasDevice = d, true
	log.Infof("communication device %s", d)
	return true
}

func (b *Backend) ClearCommunicationDevice() {
	b.mu.Lock()
	b.device, b.hasDevice = audio.None, false
	b.mu.Unlock()
}
