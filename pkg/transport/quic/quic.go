// Package quic carries sessions over QUIC with length-prefixed frames
// (u32 LE) on a single bidirectional stream per session. The dialer opens
// the stream; the listener side accepts it lazily on first use.
package quic

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/Andrepuel/icechat/pkg/transport"
)

type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() (*Transport, error) {
	// Ephemeral self-signed certificate for the server side; peer
	// identity is established at the application layer.
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"icechat"},
		MinVersion:   tls.VersionTLS13,
	}
	return &Transport{tlsConf: tlsConf, quicConf: &quicgo.Config{}}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan *session, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = ql.Close() }()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // identity is verified at the application layer
		NextProtos:         []string{"icechat"},
		MinVersion:         tls.VersionTLS13,
	}
	c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	s := &session{peer: peer, c: c, establishedAt: time.Now()}
	go func() { <-ctx.Done(); _ = s.Close() }()
	return s, nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan *session
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("quic: listener closed")
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
	return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		c, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		s := &session{
			peer: transport.PeerInfo{
				ID:   transport.TempPeerID(transport.KindQUIC, c.RemoteAddr()),
				Addr: c.RemoteAddr().String(),
			},
			c:             c,
			inbound:       true,
			establishedAt: time.Now(),
		}
		select {
		case l.newCh <- s:
		default:
			_ = s.Close()
		}
	}
}

type session struct {
	c             quicgo.Connection
	inbound       bool
	establishedAt time.Time

	// mu guards the lazily opened stream and serializes writes. Stream
	// setup can block for seconds, so peer/quality state lives under its
	// own lock.
	mu sync.Mutex
	st quicgo.Stream
	br *bufio.Reader
	bw *bufio.Writer

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

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
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

func (s *session) Close() error { return s.c.CloseWithError(0, "") }

// stream opens (dialer) or accepts (listener side) the session's single
// bidirectional stream on first use.
func (s *session) stream() (quicgo.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st != nil {
		return s.st, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var (
		st  quicgo.Stream
		err error
	)
	if s.inbound {
		st, err = s.c.AcceptStream(ctx)
	} else {
		st, err = s.c.OpenStreamSync(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.st = st
	s.br = bufio.NewReader(st)
	s.bw = bufio.NewWriter(st)
	return st, nil
}

func (s *session) SendBytes(b []byte) error {
	if _, err := s.stream(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := s.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *session) RecvBytes() ([]byte, error) {
	if _, err := s.stream(); err != nil {
		return nil, err
	}
	var lenbuf [4]byte
	if _, err := io.ReadFull(s.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > (1<<24) {
		return nil, errors.New("quic: invalid frame size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return nil, err
	}
	s.touch()
	return buf, nil
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
