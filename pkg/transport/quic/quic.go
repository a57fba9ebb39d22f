// Package quic carries framed protocol streams over QUIC. Each connection
// holds exactly one bidirectional stream, opened by the dialer.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"hsocket/pkg/protocol/stream"
	"hsocket/pkg/transport"
)

const alpn = "hsocket"

// Transport dials and listens on QUIC. The listener presents an ephemeral
// self-signed certificate unless TLS is set; dialers skip verification unless
// ClientTLS is set.
type Transport struct {
	TLS       *tls.Config
	ClientTLS *tls.Config
	Config    *quicgo.Config

	certOnce sync.Once
	certErr  error
}

func New() *Transport {
	return &Transport{Config: &quicgo.Config{KeepAlivePeriod: 10 * time.Second, MaxIdleTimeout: 30 * time.Second}}
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) serverTLS() (*tls.Config, error) {
	t.certOnce.Do(func() {
		if t.TLS != nil {
			return
		}
		cert, err := selfSignedCert()
		if err != nil {
			t.certErr = err
			return
		}
		t.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpn}, MinVersion: tls.VersionTLS13}
	})
	return t.TLS, t.certErr
}

func (t *Transport) clientTLS() *tls.Config {
	if t.ClientTLS != nil {
		return t.ClientTLS
	}
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}, MinVersion: tls.VersionTLS13}
}

// Listen accepts QUIC connections. A connection shows up in Accept once the
// dialer has written its first frame, because QUIC announces streams lazily.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	tlsConf, err := t.serverTLS()
	if err != nil {
		return nil, err
	}
	ql, err := quicgo.ListenAddr(address, tlsConf, t.Config)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &listener{l: ql, newCh: make(chan *stream.Conn), ctx: lctx, cancel: cancel}
	go l.acceptLoop()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Stream, error) {
	c, err := quicgo.DialAddr(ctx, address, t.clientTLS(), t.Config)
	if err != nil {
		return nil, err
	}
	st, err := c.OpenStreamSync(ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return nil, err
	}
	return stream.New(&qrw{Stream: st, conn: c}), nil
}

type listener struct {
	l      *quicgo.Listener
	newCh  chan *stream.Conn
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.ctx.Done():
		return nil, transport.ErrClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		l.cancel()
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop() {
	defer l.Close()
	for {
		c, err := l.l.Accept(l.ctx)
		if err != nil {
			return
		}
		go l.awaitStream(c)
	}
}

func (l *listener) awaitStream(c quicgo.Connection) {
	st, err := c.AcceptStream(l.ctx)
	if err != nil {
		_ = c.CloseWithError(0, "")
		return
	}
	select {
	case l.newCh <- stream.New(&qrw{Stream: st, conn: c}):
	case <-l.ctx.Done():
		_ = c.CloseWithError(0, "")
	}
}

// qrw adapts one QUIC stream to the byte stream stream.Conn expects and maps
// QUIC connection errors onto the transport taxonomy.
type qrw struct {
	quicgo.Stream
	conn quicgo.Connection
}

func (q *qrw) Read(p []byte) (int, error) {
	n, err := q.Stream.Read(p)
	return n, mapErr(err)
}

func (q *qrw) Write(p []byte) (int, error) {
	n, err := q.Stream.Write(p)
	return n, mapErr(err)
}

func (q *qrw) LocalAddr() net.Addr  { return q.conn.LocalAddr() }
func (q *qrw) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }

func (q *qrw) Close() error {
	_ = q.Stream.Close()
	return q.conn.CloseWithError(0, "")
}

func mapErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	var appErr *quicgo.ApplicationError
	if errors.As(err, &appErr) {
		if !appErr.Remote {
			return net.ErrClosed
		}
		if appErr.ErrorCode == 0 {
			return io.EOF
		}
		return transport.ErrConnReset
	}
	var idle *quicgo.IdleTimeoutError
	var reset *quicgo.StreamError
	var stateless *quicgo.StatelessResetError
	if errors.As(err, &idle) || errors.As(err, &reset) || errors.As(err, &stateless) {
		return transport.ErrConnReset
	}
	return err
}

// selfSignedCert generates a short-lived certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
