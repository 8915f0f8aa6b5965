package transport

import (
	"encoding/base64"
	"fmt"
	"net"
	"strings"
)

// TempPeerID builds a temporary peer id from transport kind and remote
// address, suitable until the authenticated identity is known.
func TempPeerID(kind Kind, addr net.Addr) PeerID {
	if addr == nil {
		return PeerID(fmt.Sprintf("temp:%s:unknown", kind))
	}
	return PeerID(fmt.Sprintf("temp:%s:%s", kind, addr.String()))
}

// IsTemp reports whether id is a temporary placeholder built by TempPeerID.
func IsTemp(id PeerID) bool { return strings.HasPrefix(string(id), "temp:") }

// CanonicalPeerIDFromPubKey constructs a canonical peer id from public key
// bytes. The format is: pk:<alg>:<base64url-nopad(pubkey)>
func CanonicalPeerIDFromPubKey(alg string, pub []byte) PeerID {
	alg = strings.ToLower(strings.TrimSpace(alg))
	enc := base64.RawURLEncoding.EncodeToString(pub)
	return PeerID("pk:" + alg + ":" + enc)
}
