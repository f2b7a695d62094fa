//go:build !linux

package call

import "github.com/pion/webrtc/v4"

// initMediaPC sets up a listen-only call; microphone capture exists only in
// the linux build.
func initMediaPC(meetingID string, opts Options) (*webrtc.PeerConnection, func(), error) {
	pc, err := receiveOnlyPC(meetingID, opts)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("[%s] no capture on this platform, listening only", meetingID)
	return pc, nil, nil
}
