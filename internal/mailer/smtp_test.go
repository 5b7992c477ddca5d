package mailer

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay accepts connections on loopback and hands each one to handle.
func fakeRelay(t *testing.T, handle func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func speakSMTP(got chan<- string) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 relay.test ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			switch strings.ToUpper(strings.SplitN(line, " ", 2)[0]) {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 relay.test")
			case "DATA":
				_ = tp.PrintfLine("354 go ahead")
				body, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				got <- strings.Join(body, "\n")
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("250 ok")
			}
		}
	}
}

func newTestSMTPSender(t *testing.T, host string, port int) *SMTPSender {
	t.Helper()
	r, err := NewRenderer()
	require.NoError(t, err)
	return NewSMTPSender(host, port, "", "", "songs@example.com", r)
}

func TestSMTPSenderDelivers(t *testing.T) {
	got := make(chan string, 1)
	host, port := fakeRelay(t, speakSMTP(got))
	s := newTestSMTPSender(t, host, port)

	id, err := s.Send(context.Background(), Message{Recipient: "sam@example.com", Template: "lyrics_ready", Variables: lyricsVars()})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(id, "@example.com>"))

	select {
	case body := <-got:
		assert.Contains(t, body, "Subject: Your lyrics for Ana are ready")
		assert.Contains(t, body, "Message-ID: "+id)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received the message")
	}
}

func TestSMTPSenderGivesUpOnHungRelay(t *testing.T) {
	closed := make(chan struct{}, 1)
	host, port := fakeRelay(t, func(conn net.Conn) {
		defer conn.Close()
		// never greet; wait for the client to hang up
		_, _ = conn.Read(make([]byte, 1))
		closed <- struct{}{}
	})
	s := newTestSMTPSender(t, host, port)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Send(ctx, Message{Recipient: "sam@example.com", Template: "lyrics_ready", Variables: lyricsVars()})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection to the relay was left open")
	}
}

func TestSMTPSenderTimeoutWithoutContextDeadline(t *testing.T) {
	host, port := fakeRelay(t, func(conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Read(make([]byte, 1))
	})
	s := newTestSMTPSender(t, host, port)
	s.timeout = 150 * time.Millisecond

	start := time.Now()
	_, err := s.Send(context.Background(), Message{Recipient: "sam@example.com", Template: "lyrics_ready", Variables: lyricsVars()})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
