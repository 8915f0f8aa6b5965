package mem

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Andrepuel/icechat/pkg/transport"
)

func pair(t *testing.T) (transport.Session, transport.Session) {
	t.Helper()
	mt := New()
	lis, err := mt.Listen(context.Background(), "endpoint")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cli, err := mt.Dial(context.Background(), "endpoint", transport.PeerInfo{ID: "peer-b", Addr: "endpoint"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	srv, err := lis.Accept(context.Background())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() {
		_ = cli.Close()
		_ = srv.Close()
		_ = lis.Close()
	})
	return cli, srv
}

func TestFrameRoundtrip(t *testing.T) {
	cli, srv := pair(t)
	want := []byte("hello over the pipe")
	go func() { _ = cli.SendBytes(want) }()
	got, err := srv.RecvBytes()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// Peer rebinds and quality reads happen on other goroutines than the
// frame I/O pair; the session must tolerate all of it at once.
func TestSessionStateConcurrentWithIO(t *testing.T) {
	cli, srv := pair(t)
	const frames = 200

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			if err := cli.SendBytes([]byte("frame")); err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			if _, err := srv.RecvBytes(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		mp := srv.(transport.MutablePeer)
		for i := 0; i < frames; i++ {
			mp.SetPeer(transport.PeerInfo{ID: transport.PeerID(fmt.Sprintf("peer-%d", i))})
			_ = srv.Peer()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < frames; i++ {
			_ = srv.Quality()
			_ = cli.Quality()
			_ = cli.Peer()
		}
	}()
	wg.Wait()

	final := srv.Peer().ID
	if final != transport.PeerID(fmt.Sprintf("peer-%d", frames-1)) {
		t.Fatalf("final peer id = %s", final)
	}
}
