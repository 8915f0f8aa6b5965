// Package mem is an in-process transport over net.Pipe, used by tests and
// as a stand-in when both endpoints live in one process.
package mem

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Andrepuel/icechat/pkg/transport"
)

type Transport struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, errors.New("mem: listener already exists")
	}
	l := &listener{name: name, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	t.listeners[name] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
		t.mu.Lock()
		delete(t.listeners, name)
		t.mu.Unlock()
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, errors.New("mem: no such listener")
	}
	c1, c2 := net.Pipe()
	srv := &session{peer: transport.PeerInfo{ID: peer.ID, Addr: name}, c: c1, establishedAt: time.Now()}
	cli := &session{peer: peer, c: c2, establishedAt: time.Now()}
	select {
	case l.newCh <- srv:
	default:
		_ = srv.Close()
		_ = cli.Close()
		return nil, errors.New("mem: listener backlog full")
	}
	go func() { <-ctx.Done(); _ = cli.Close() }()
	return cli, nil
}

type listener struct {
	name    string
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("mem: listener closed")
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type session struct {
	mu            sync.Mutex // serializes frame writes
	c             net.Conn
	br            *bufio.Reader
	establishedAt time.Time

	// pmu guards peer and lastSeen: rebinds and quality reads come from
	// other goroutines than the frame I/O. Kept apart from mu because a
	// pipe write blocks until the remote reads.
	pmu      sync.Mutex
	peer     transport.PeerInfo
	lastSeen time.Time
}

func (s *session) Peer() transport.PeerInfo {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return s.peer
}

func (s *session) SetPeer(pi transport.PeerInfo) {
	s.pmu.Lock()
	s.peer = pi
	s.pmu.Unlock()
}

func (s *session) TransportKind() transport.Kind { return transport.KindMem }
func (s *session) LocalAddr() net.Addr           { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr          { return s.c.RemoteAddr() }

func (s *session) Quality() transport.Quality {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *session) touch() {
	s.pmu.Lock()
	s.lastSeen = time.Now()
	s.pmu.Unlock()
}

func (s *session) Close() error { return s.c.Close() }

// Frames are length-prefixed (u32 LE).
func (s *session) SendBytes(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.c.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.c.Write(b); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *session) RecvBytes() ([]byte, error) {
	if s.br == nil {
		s.br = bufio.NewReader(s.c)
	}
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > (1<<24) {
		return nil, errors.New("mem: invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	s.touch()
	return buf, nil
}
