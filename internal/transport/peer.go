package transport

import (
	"github.com/pion/webrtc/v4"
)

// defaultSTUNServers is used when no ICE servers are configured. No TURN:
// the chat is designed for direct P2P connectivity.
var defaultSTUNServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
}

// newPeerConnection creates a PeerConnection for the given options.
// Loopback candidates are only gathered when opts.Loopback is set, which
// lets two peers in one process connect without any network.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	servers := opts.ICEServers
	if servers == nil {
		servers = defaultSTUNServers
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.Loopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on the given
// PeerConnection. Negotiated mode (ID 0) lets both sides create the channel
// independently without relying on OnDataChannel. Chat messages must arrive
// in order, so the channel is ordered and reliable.
func newDataChannel(pc *webrtc.PeerConnection, label string) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
