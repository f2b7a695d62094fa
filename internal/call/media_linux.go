//go:build linux

package call

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates the PeerConnection with Opus and tries to capture the
// local microphone. Returns the PC and a cleanup func for the captured
// tracks, which is nil when capture failed and the PC is receive-only.
func initMediaPC(meetingID string, opts Options) (*webrtc.PeerConnection, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	pc, err := newPeerConnection(opts, mediaEngine)
	if err != nil {
		return nil, nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		log.Warnf("[%s] microphone capture failed, receive-only: %v", meetingID, err)
		addRecvOnlyAudio(meetingID, pc)
		return pc, nil, nil
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("[%s] local track ended: %v", meetingID, err)
			}
		})
		if _, err := pc.AddTrack(track); err != nil {
			log.Errorf("[%s] AddTrack error: %v", meetingID, err)
		}
	}
	log.Infof("[%s] microphone captured, %d tracks", meetingID, len(tracks))
	return pc, func() {
		for _, t := range tracks {
			t.Close()
		}
	}, nil
}
