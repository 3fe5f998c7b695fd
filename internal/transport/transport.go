// Package transport carries wire.Message frames between the Primary and its
// Secondaries over TCP, optionally hardened with mutual TLS via tlsutil
// certificate bundles. Each peer connection gets one reader goroutine and
// one writer goroutine so a slow or wedged Secondary cannot block sends to
// the others.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/otamesh/atomic/internal/wire"
)

const outboundQueueDepth = 128

// Conn wraps one TCP connection to a peer with a bounded send queue and a
// background reader that decodes frames into Inbox.
type Conn struct {
	nc     net.Conn
	codec  *wire.Codec
	Inbox  chan wire.Message
	outbox chan wire.Message
	errCh  chan error
	once   sync.Once
	closed chan struct{}
}

func newConn(nc net.Conn, codec *wire.Codec) *Conn {
	if codec == nil {
		codec = wire.NewCodec(0)
	}
	c := &Conn{
		nc:     nc,
		codec:  codec,
		Inbox:  make(chan wire.Message, outboundQueueDepth),
		outbox: make(chan wire.Message, outboundQueueDepth),
		errCh:  make(chan error, 1),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.Inbox)
	for {
		m, err := c.codec.ReadFrame(c.nc)
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.Inbox <- m:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case m, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.codec.WriteFrame(c.nc, m); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
	c.Close()
}

// Send enqueues m for delivery, blocking only if the outbound queue is
// full; it never blocks on the remote peer's read rate for longer than
// that queue allows.
func (c *Conn) Send(ctx context.Context, m wire.Message) error {
	select {
	case c.outbox <- m:
		return nil
	case <-c.closed:
		return fmt.Errorf("transport: connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the error that caused the connection to close, if any.
func (c *Conn) Err() error {
	select {
	case err := <-c.errCh:
		// Put it back so later calls report the same error.
		select {
		case c.errCh <- err:
		default:
		}
		return err
	default:
		return nil
	}
}

// Close tears down the connection and both of its goroutines.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.nc.Close()
	})
	return nil
}

// Dialer opens outbound Conns, used by a Primary to reach its Secondaries
// and by a Secondary to reach its Primary.
type Dialer struct {
	TLSConfig *tls.Config
	Codec     *wire.Codec
	Timeout   time.Duration
}

// Dial connects to addr, wrapping the connection in TLS when TLSConfig is set.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	var nc net.Conn
	var err error
	if d.TLSConfig != nil {
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, d.TLSConfig)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return newConn(nc, d.Codec), nil
}

// Listener accepts inbound Conns, used by a Primary to accept Secondary
// callbacks or a Secondary to accept the Primary's connection.
type Listener struct {
	net.Listener
	codec *wire.Codec
}

// Listen binds addr, wrapping accepted connections in TLS when tlsConfig is set.
func Listen(addr string, tlsConfig *tls.Config, codec *wire.Codec) (*Listener, error) {
	var l net.Listener
	var err error
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{Listener: l, codec: codec}, nil
}

// Accept blocks for the next inbound connection and wraps it as a Conn.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(nc, l.codec), nil
}
