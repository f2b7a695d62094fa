package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/goopcall/internal/audio"
	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file inside a peer directory.
const FileName = "goopcall.json"

// RelayURLMDNS makes the remote store find its relay over mDNS.
const RelayURLMDNS = "mdns"

type Config struct {
	Store Store `json:"store"`
	Relay Relay `json:"relay"`
	Audio Audio `json:"audio"`
	ICE   ICE   `json:"ice"`
	Log   Log   `json:"log"`
}

type Store struct {
	// "sqlite" or "remote".
	Driver string `json:"driver"`

	// SQLite file, relative to the peer directory.
	Path string `json:"path"`

	// Websocket URL of a relay (ws://host:port/ws) or "mdns".
	RelayURL string `json:"relay_url"`

	// Watch the SQLite file for writes by other processes.
	WatchFiles bool `json:"watch_files"`
}

type Relay struct {
	// Bind address. Default "127.0.0.1" (localhost only).
	// Set to "0.0.0.0" to accept peers from other machines.
	Bind      string `json:"bind"`
	Port      int    `json:"port"`
	Advertise bool   `json:"advertise"`
	Instance  string `json:"instance"`
}

type Audio struct {
	// "auto", "true" or "false". Only "false" prefers the earpiece.
	Speakerphone string `json:"speakerphone"`

	// The host has a dedicated earpiece.
	Earpiece bool `json:"earpiece"`

	// Directory watched for audio hotplug. Empty disables plug events.
	SoundDir string `json:"sound_dir"`
}

type ICE struct {
	STUN []string `json:"stun"`
}

type Log struct {
	Level     string            `json:"level"`
	Subsystem map[string]string `json:"subsystem,omitempty"`
	PionLevel string            `json:"pion_level"`
}

func Default() Config {
	return Config{
		Store: Store{
			Driver:     "sqlite",
			Path:       "data/signaling.db",
			RelayURL:   RelayURLMDNS,
			WatchFiles: true,
		},
		Relay: Relay{
			Bind:      "127.0.0.1",
			Port:      8788,
			Advertise: false,
			Instance:  "goopcall",
		},
		Audio: Audio{
			Speakerphone: audio.SpeakerphoneAuto,
			Earpiece:     false,
			SoundDir:     "/dev/snd",
		},
		ICE: ICE{
			STUN: []string{"stun:stun.l.google.com:19302"},
		},
		Log: Log{
			Level:     "info",
			PionLevel: "warn",
		},
	}
}

var logLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Store
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "remote":
		if err := validateRelayURL(c.Store.RelayURL); err != nil {
			return fmt.Errorf("store.relay_url: %w", err)
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or remote, got %q", c.Store.Driver)
	}

	// Relay
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 0..65535")
	}
	if ip := net.ParseIP(c.Relay.Bind); ip == nil && c.Relay.Bind != "" && c.Relay.Bind != "localhost" {
		return fmt.Errorf("relay.bind %q is not an IP address", c.Relay.Bind)
	}
	if c.Relay.Advertise {
		if _, err := util.ValidateInstanceName(c.Relay.Instance); err != nil {
			return fmt.Errorf("relay.instance: %w", err)
		}
	}

	// Audio
	switch c.Audio.Speakerphone {
	case audio.SpeakerphoneAuto, audio.SpeakerphoneTrue, audio.SpeakerphoneFalse:
	default:
		return fmt.Errorf("audio.speakerphone must be auto, true or false, got %q", c.Audio.Speakerphone)
	}

	// ICE
	for _, s := range c.ICE.STUN {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("ice.stun entry %q must start with stun: or stuns:", s)
		}
	}

	// Log
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a level", c.Log.Level)
	}
	for sub, lvl := range c.Log.Subsystem {
		if !logLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystem.%s: %q is not a level", sub, lvl)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == RelayURLMDNS {
		return nil
	}
	if raw == "" {
		return errors.New("required (ws URL or \"mdns\")")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
