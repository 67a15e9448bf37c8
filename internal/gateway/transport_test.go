package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestUDPTransport(t *testing.T) {
	c := qt.New(t)

	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	c.Assert(err, qt.IsNil)
	defer server.Close()

	tr, err := ListenUDP("127.0.0.1:0", server.LocalAddr().String(), 100*time.Millisecond)
	c.Assert(err, qt.IsNil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Start(ctx)

	c.Assert(tr.Send([]byte{0x02, 0x12, 0x34, 0x02}), qt.IsNil)

	buf := make([]byte, 64)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := server.ReadFromUDP(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(buf[:n], qt.DeepEquals, []byte{0x02, 0x12, 0x34, 0x02})
	c.Assert(from.Port, qt.Equals, tr.LocalAddr().Port)

	_, err = server.WriteToUDP([]byte{0x02, 0x12, 0x34, 0x04}, from)
	c.Assert(err, qt.IsNil)

	select {
	case b := <-tr.Datagrams():
		c.Assert(b, qt.DeepEquals, []byte{0x02, 0x12, 0x34, 0x04})
	case <-time.After(2 * time.Second):
		c.Fatal("no datagram delivered")
	}
}

func TestUDPTransportUnresolvableServer(t *testing.T) {
	c := qt.New(t)

	tr, err := ListenUDP("127.0.0.1:0", "backend.invalid:1700", 100*time.Millisecond)
	c.Assert(err, qt.IsNil)
	defer tr.Close()

	c.Assert(tr.Send([]byte{0x02, 0x00, 0x01, 0x02}), qt.ErrorMatches, `resolve backend "backend.invalid:1700": .*`)
}
