package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// maxDatagramSize is the largest UDP payload we will read
const maxDatagramSize = 65507

// Transport carries datagrams between the gateway and its backend
type Transport interface {
	// Send writes one datagram to the backend without blocking for long
	Send(b []byte) error
	// Datagrams delivers datagrams received from the backend
	Datagrams() <-chan []byte
}

// UDPTransport is a Transport over one UDP socket. Only the reader
// goroutine touches the socket's read side; Send is called from the
// control loop.
type UDPTransport struct {
	conn         *net.UDPConn
	server       string
	writeTimeout time.Duration

	addr atomic.Pointer[net.UDPAddr]
	in   chan []byte
}

// ListenUDP binds localBind and prepares a transport towards server. The
// server name is resolved lazily so a gateway can boot without DNS.
func ListenUDP(localBind, server string, writeTimeout time.Duration) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", localBind)
	if err != nil {
		return nil, fmt.Errorf("resolve local bind %q: %w", localBind, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", localBind, err)
	}

	return &UDPTransport{
		conn:         conn,
		server:       server,
		writeTimeout: writeTimeout,
		in:           make(chan []byte, 64),
	}, nil
}

// LocalAddr returns the bound address
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Start runs the reader goroutine until ctx is done
func (t *UDPTransport) Start(ctx context.Context) {
	log.Info().Str("addr", t.conn.LocalAddr().String()).Str("server", t.server).Msg("UDP transport started")

	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()
	go t.read(ctx)
}

func (t *UDPTransport) read(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Error().Err(err).Msg("Failed to read UDP datagram")
			continue
		}

		if server := t.addr.Load(); server != nil && !from.IP.Equal(server.IP) {
			log.Debug().Str("from", from.String()).Msg("Ignoring datagram from unknown peer")
			continue
		}

		b := make([]byte, n)
		copy(b, buf[:n])
		select {
		case t.in <- b:
		case <-ctx.Done():
			return
		}
	}
}

// Datagrams implements Transport
func (t *UDPTransport) Datagrams() <-chan []byte {
	return t.in
}

// Send implements Transport. A failed write forgets the resolved server
// address so the next send resolves it again.
func (t *UDPTransport) Send(b []byte) error {
	addr := t.addr.Load()
	if addr == nil {
		resolved, err := net.ResolveUDPAddr("udp", t.server)
		if err != nil {
			return fmt.Errorf("resolve backend %q: %w", t.server, err)
		}
		t.addr.Store(resolved)
		addr = resolved
	}

	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	if _, err := t.conn.WriteToUDP(b, addr); err != nil {
		t.addr.Store(nil)
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Close closes the socket
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}
