package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve answers each read on the first accepted connection with reply(req)
func serve(t *testing.T, reply func(req string) []string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			for _, chunk := range reply(string(buf[:n])) {
				conn.Write([]byte(chunk))
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	return ln.Addr().String()
}

func TestSendReadsToTerminator(t *testing.T) {
	addr := serve(t, func(req string) []string {
		if req == "PING" {
			return []string{"PO", "NG:"}
		}
		return []string{"2;:"}
	})

	c := New(':', time.Second)
	require.NoError(t, c.Connect(addr))
	defer c.Close()
	assert.Equal(t, addr, c.Addr())

	reply, err := c.Send([]byte("PING"))
	require.NoError(t, err)
	assert.Equal(t, "PONG:", string(reply))

	reply, err = c.Send([]byte("OTHER"))
	require.NoError(t, err)
	assert.Equal(t, "2;:", string(reply))
}

func TestSendTruncatedReply(t *testing.T) {
	addr := serve(t, func(string) []string { return []string{"no-terminator"} })

	c := New(':', 50*time.Millisecond)
	require.NoError(t, c.Connect(addr))
	defer c.Close()

	reply, err := c.Send([]byte("X"))
	require.NoError(t, err)
	assert.Equal(t, "no-terminator", string(reply))
}

func TestSendSilence(t *testing.T) {
	addr := serve(t, func(string) []string { return nil })

	c := New(':', 30*time.Millisecond)
	require.NoError(t, c.Connect(addr))
	defer c.Close()

	_, err := c.Send([]byte("X"))
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	c := New(':', time.Second)
	_, err := c.Send([]byte("X"))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close())
}
