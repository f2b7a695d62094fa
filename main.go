// main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/audio"
	"github.com/petervdpas/goopcall/internal/audio/host"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/docstore"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/util"
)

var (
	showHelp    = flag.Bool("h", false, "Show help")
	version     = flag.Bool("version", false, "Show version")
	peerDir     = flag.String("dir", ".", "Peer directory holding "+config.FileName)
	statusEvery = flag.Duration("status", 10*time.Second, "Print call status this often (0 disables)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const discoverTimeout = 5 * time.Second

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "new-id":
		fmt.Println(signaling.NewMeetingID())

	case "relay":
		runRelay()

	case "start", "join":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires a meeting id\n", args[0])
			fmt.Fprintf(os.Stderr, "Usage: goopcall %s <meeting-id>\n", args[0])
			os.Exit(1)
		}
		runCall(args[0] == "start", args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadPeer resolves the peer directory and loads or creates its config.
func loadPeer() (string, config.Config) {
	absDir, err := filepath.Abs(*peerDir)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}
	applyLogLevels(cfg.Log)
	return absDir, cfg
}

func applyLogLevels(l config.Log) {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		log.Fatalf("log.level: %v", err)
	}
	logging.SetAllLoggers(lvl)
	for sub, s := range l.Subsystem {
		if err := logging.SetLogLevel(sub, s); err != nil {
			log.Printf("log.subsystem.%s: %v", sub, err)
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Println("Shutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openStore returns the document store named by the config.
func openStore(ctx context.Context, dir string, cfg config.Store) (docstore.Channel, error) {
	switch cfg.Driver {
	case "sqlite":
		return docstore.OpenSQLite(util.ResolvePath(dir, cfg.Path), cfg.WatchFiles)

	case "remote":
		url := strings.TrimSpace(cfg.RelayURL)
		if url == config.RelayURLMDNS {
			dctx, cancel := context.WithTimeout(ctx, discoverTimeout)
			found, err := relay.Discover(dctx)
			cancel()
			if err != nil {
				return nil, err
			}
			url = found
		}
		dctx, cancel := context.WithTimeout(ctx, discoverTimeout)
		defer cancel()
		return docstore.DialRemote(dctx, url)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func runRelay() {
	dir, cfg := loadPeer()
	if cfg.Store.Driver != "sqlite" {
		log.Fatalf("relay needs a local store, store.driver is %q", cfg.Store.Driver)
	}

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, dir, cfg.Store)
	if err != nil {
		log.Fatalf("Open store: %v", err)
	}
	defer store.Close()

	srv := relay.New(store, cfg.Relay.Bind, cfg.Relay.Port)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
	defer srv.Close()

	if cfg.Relay.Advertise {
		instance, _ := util.ValidateInstanceName(cfg.Relay.Instance)
		if err := srv.Advertise(instance); err != nil {
			log.Printf("mDNS advertise failed: %v", err)
		}
	}

	fmt.Printf("Relay listening on %s (store %s)\n", srv.URL(), util.ResolvePath(dir, cfg.Store.Path))
	fmt.Println("Press Ctrl+C to stop")
	<-ctx.Done()
}

func runCall(initiator bool, meetingID string) {
	dir, cfg := loadPeer()

	ctx, cancel := signalContext()
	defer cancel()

	store, err := openStore(ctx, dir, cfg.Store)
	if err != nil {
		log.Fatalf("Open store: %v", err)
	}
	defer store.Close()

	mgr := call.New(store, call.Options{
		STUN:         cfg.ICE.STUN,
		PionLogLevel: cfg.Log.PionLevel,
		NewAudio: func() (*audio.Manager, error) {
			b, err := host.New(host.Options{
				Earpiece: cfg.Audio.Earpiece,
				SoundDir: cfg.Audio.SoundDir,
			})
			if err != nil {
				return nil, err
			}
			return audio.Create(b, cfg.Audio.Speakerphone)
		},
		OnAudioDeviceChanged: func(id string, selected audio.Device, available audio.DeviceSet) {
			fmt.Printf("[%s] audio: %s of %s\n", id, selected, available)
		},
	})
	defer mgr.Close()

	var sess *call.Session
	if initiator {
		sess, err = mgr.StartCall(ctx, meetingID)
	} else {
		sess, err = mgr.JoinCall(ctx, meetingID)
	}
	if err != nil {
		log.Fatalf("Call failed: %v", err)
	}

	fmt.Printf("In call %s (Ctrl+C hangs up)\n", sess.MeetingID())

	var tick <-chan time.Time
	if *statusEvery > 0 {
		t := time.NewTicker(*statusEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			sess.Hangup()
			printStatus(sess)
			return
		case <-sess.Done():
			switch sess.EndReason() {
			case call.EndRemote:
				fmt.Println("Call ended by the other side")
			case call.EndFailed:
				fmt.Println("Call failed, see the log for details")
			default:
				fmt.Println("Call ended")
			}
			printStatus(sess)
			return
		case <-tick:
			printStatus(sess)
		}
	}
}

func printStatus(sess *call.Session) {
	b, err := json.MarshalIndent(sess.Status(), "", "  ")
	if err != nil {
		log.Printf("status: %v", err)
		return
	}
	fmt.Println(string(b))
}

func showUsage() {
	fmt.Println("goopcall - peer-to-peer audio calls over a shared document store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall [options] new-id             Print a fresh meeting id")
	fmt.Println("  goopcall [options] relay              Serve the peer's store to other machines")
	fmt.Println("  goopcall [options] start <meeting-id> Start a call and wait for the other side")
	fmt.Println("  goopcall [options] join <meeting-id>  Join a call someone started")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -dir <directory>  Peer directory (default .), holds " + config.FileName)
	fmt.Println("  -status <dur>     Status print interval, 0 disables (default 10s)")
	fmt.Println("  -h                Show this help message")
	fmt.Println("  -version          Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Two peers on one machine sharing a SQLite file")
	fmt.Println("  goopcall -dir ./peers/a start $(goopcall new-id)")
	fmt.Println("  goopcall -dir ./peers/b join ABC123")
	fmt.Println()
	fmt.Println("  # Relay a store to the LAN and join through it")
	fmt.Println("  goopcall -dir ./peers/server relay")
	fmt.Println(`  # with "store": {"driver": "remote", "relay_url": "mdns"} in goopcall.json`)
}
