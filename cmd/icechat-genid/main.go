// Command icechat-genid generates a fresh ed25519 identity and prints the
// private key (base64url, for config identity.private_key) and the
// canonical peer id other nodes dial by.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/Andrepuel/icechat/pkg/transport"
)

func main() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate key:", err)
		os.Exit(1)
	}
	fmt.Println("private_key:", base64.RawURLEncoding.EncodeToString(priv))
	fmt.Println("peer_id:    ", transport.CanonicalPeerIDFromPubKey("ed25519", pub))
}
