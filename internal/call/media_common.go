package call

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// opusCodec is the only codec offered when nothing registers its own.
var opusCodec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	},
	PayloadType: 111,
}

// newPeerConnection builds a PeerConnection over mediaEngine with the default
// interceptors (NACK, RTCP reports, TWCC) and the session's setting engine.
func newPeerConnection(opts Options, mediaEngine *webrtc.MediaEngine) (*webrtc.PeerConnection, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine(opts)),
	)
	return api.NewPeerConnection(configuration(opts))
}

// receiveOnlyPC is an audio-only PeerConnection with nothing captured.
func receiveOnlyPC(meetingID string, opts Options) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(opusCodec, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	pc, err := newPeerConnection(opts, mediaEngine)
	if err != nil {
		return nil, err
	}
	addRecvOnlyAudio(meetingID, pc)
	return pc, nil
}

// settingEngine applies the ICE timeouts and routes pion's own logging at
// the configured level.
func settingEngine(opts Options) webrtc.SettingEngine {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = pionLevel(opts.PionLogLevel)

	se := webrtc.SettingEngine{LoggerFactory: lf}
	// A brief NAT hiccup should not end the call.
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}

func pionLevel(s string) logging.LogLevel {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled
	case "error":
		return logging.LogLevelError
	case "info":
		return logging.LogLevelInfo
	case "debug":
		return logging.LogLevelDebug
	case "trace":
		return logging.LogLevelTrace
	default:
		return logging.LogLevelWarn
	}
}

func configuration(opts Options) webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(opts.STUN) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.STUN}}
	}
	return cfg
}

// addRecvOnlyAudio keeps an audio m-line in the SDP when nothing is captured.
func addRecvOnlyAudio(meetingID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Errorf("[%s] AddTransceiver(audio) error: %v", meetingID, err)
	}
}
