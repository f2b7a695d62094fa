package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func remote(url string) func(*Config) {
	return func(c *Config) {
		c.Store.Driver = "remote"
		c.Store.RelayURL = url
	}
}

func advertise(instance string) func(*Config) {
	return func(c *Config) {
		c.Relay.Advertise = true
		c.Relay.Instance = instance
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":       func(c *Config) { c.Store.Driver = "redis" },
		"sqlite path":  func(c *Config) { c.Store.Path = " " },
		"relay scheme": remote("http://x/ws"),
		"relay empty":  remote(""),
		"relay host":   remote("ws:///ws"),
		"port":         func(c *Config) { c.Relay.Port = 70000 },
		"bind":         func(c *Config) { c.Relay.Bind = "not-an-ip" },
		"instance":     advertise("a.b"),
		"speakerphone": func(c *Config) { c.Audio.Speakerphone = "loud" },
		"stun":         func(c *Config) { c.ICE.STUN = []string{"turn:x"} },
		"log level":    func(c *Config) { c.Log.Level = "chatty" },
		"subsystem":    func(c *Config) { c.Log.Subsystem = map[string]string{"audio": "loud"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("accepted")
			}
		})
	}

	cfg := Default()
	cfg.Store.Driver = "remote"
	for _, u := range []string{RelayURLMDNS, "ws://10.0.0.2:8788/ws", "wss://relay.example/ws"} {
		cfg.Store.RelayURL = u
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s: %v", u, err)
		}
	}
}

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	body := "\xEF\xBB\xBF" + `{"audio":{"speakerphone":"false","earpiece":true},"log":{"level":"debug"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audio.Speakerphone != "false" || !cfg.Audio.Earpiece || cfg.Log.Level != "debug" {
		t.Fatalf("loaded %+v", cfg)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Relay.Port != 8788 || cfg.Audio.SoundDir != "/dev/snd" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	os.WriteFile(path, []byte(`{"store":{"driver":"ftp"}}`), 0o644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "store.driver") {
		t.Fatalf("err = %v", err)
	}
	os.WriteFile(path, []byte(`{`), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatal("accepted broken json")
	}
}

func TestEnsure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer", FileName)

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}

	cfg.Relay.Port = 9000
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, created, err := Ensure(path)
	if err != nil || created || again.Relay.Port != 9000 {
		t.Fatalf("reload port=%d created=%v err=%v", again.Relay.Port, created, err)
	}

	cfg.Audio.Speakerphone = "maybe"
	if err := Save(path, cfg); err == nil {
		t.Fatal("saved an invalid config")
	}
}
