package config

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: tcp
//     listen: [":7744"]
//     dial:
//       - address: "192.0.2.17:7744"
//         peer_id: "pk:ed25519:..."
//   - kind: quic
//     listen: [":4433"]
//   - kind: mem
//     listen: ["inproc://test"]
type TransportConfig struct {
	Kind   string           `mapstructure:"kind"`
	Listen []string         `mapstructure:"listen"`
	Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig describes a peer to dial on startup and keep dialing
// with backoff across disconnects.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	PeerID  string `mapstructure:"peer_id"`
}
