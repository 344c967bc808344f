package irc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServer is the far end of a net.Pipe.
type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
}

func newPipe(t *testing.T) (*fakeServer, Dialer) {
	t.Helper()
	client, server := net.Pipe()

	fs := &fakeServer{t: t, conn: server, lines: make(chan string, 128)}
	go func() {
		defer close(fs.lines)
		sc := bufio.NewScanner(server)
		for sc.Scan() {
			fs.lines <- strings.TrimRight(sc.Text(), "\r")
		}
	}()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	return fs, func(context.Context) (net.Conn, error) { return client, nil }
}

func (fs *fakeServer) expect(want ...string) {
	fs.t.Helper()
	for _, w := range want {
		select {
		case got, ok := <-fs.lines:
			require.True(fs.t, ok, "connection closed while waiting for %q", w)
			require.Equal(fs.t, w, got)
		case <-time.After(2 * time.Second):
			fs.t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func (fs *fakeServer) send(lines ...string) {
	fs.t.Helper()
	for _, l := range lines {
		_, err := fs.conn.Write([]byte(l + "\r\n"))
		require.NoError(fs.t, err)
	}
}

func startAsync(e *Engine) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- e.Start(context.Background()) }()
	return errc
}

func recv(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("timed out")
		return nil
	}
}

func TestEngine_LifecycleOverPipe(t *testing.T) {
	srv, dial := newPipe(t)
	msgs := make(chan Message, 4)
	e := NewEngine(
		SessionConfig{Nick: "bot", Channels: []string{"#go"}},
		Options{Addr: "pipe", Dial: dial, MaxMessageLength: 10, Logger: zerolog.Nop()},
		func(m Message) { msgs <- m },
	)

	errc := startAsync(e)
	srv.expect("NICK bot", "USER bot 0 * :chatrelay")
	srv.send(":srv 001 bot :Welcome")
	srv.expect("JOIN #go")
	require.NoError(t, recv(t, errc))

	srv.send("PING :abc")
	srv.expect("PONG :abc")

	srv.send(":alice!a@h PRIVMSG #go :bot, ping?")
	select {
	case m := <-msgs:
		assert.Equal(t, "ping?", m.Text)
		assert.Equal(t, "#go", m.ReplyTarget())
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	sendErr := make(chan error, 1)
	go func() { sendErr <- e.Send("#go", "aaaa bbbb cccc") }()
	srv.expect("PRIVMSG #go :aaaa bbbb", "PRIVMSG #go :cccc")
	require.NoError(t, recv(t, sendErr))

	stopErr := make(chan error, 1)
	go func() { stopErr <- e.Stop(context.Background()) }()
	srv.expect("QUIT :shutting down")
	_ = srv.conn.Close()

	require.NoError(t, recv(t, stopErr))
	<-e.Done()
	assert.NoError(t, e.Err())
	assert.NoError(t, e.Stop(context.Background()), "stop is idempotent")
}

func TestEngine_UnexpectedCloseAfterReady(t *testing.T) {
	srv, dial := newPipe(t)
	e := NewEngine(SessionConfig{Nick: "bot"}, Options{Dial: dial}, nil)

	errc := startAsync(e)
	srv.expect("NICK bot", "USER bot 0 * :chatrelay")
	srv.send(":srv 001 bot :Welcome")
	require.NoError(t, recv(t, errc))

	_ = srv.conn.Close()

	select {
	case <-e.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not notice the close")
	}
	assert.ErrorIs(t, e.Err(), ErrUnexpectedClose)
}

func TestEngine_CloseBeforeReady(t *testing.T) {
	srv, dial := newPipe(t)
	e := NewEngine(SessionConfig{Nick: "bot"}, Options{Dial: dial}, nil)

	errc := startAsync(e)
	srv.expect("NICK bot", "USER bot 0 * :chatrelay")
	_ = srv.conn.Close()

	assert.ErrorIs(t, recv(t, errc), ErrClosedBeforeReady)
}

func TestEngine_ConnectTimeout(t *testing.T) {
	srv, dial := newPipe(t)
	e := NewEngine(SessionConfig{Nick: "bot"}, Options{Dial: dial, ConnectTimeout: 50 * time.Millisecond}, nil)

	errc := startAsync(e)
	srv.expect("NICK bot", "USER bot 0 * :chatrelay")

	assert.ErrorIs(t, recv(t, errc), ErrConnectTimeout)
	<-e.Done()
}

func TestEngine_ConnectTimeoutCoversDial(t *testing.T) {
	e := NewEngine(SessionConfig{Nick: "bot"}, Options{
		Addr:           "irc.invalid:6667",
		ConnectTimeout: 50 * time.Millisecond,
		Dial: func(ctx context.Context) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, nil)

	assert.ErrorIs(t, e.Start(context.Background()), ErrConnectTimeout)
}

func TestEngine_SlowDialSharesDeadline(t *testing.T) {
	srv, dial := newPipe(t)
	slow := func(ctx context.Context) (net.Conn, error) {
		time.Sleep(250 * time.Millisecond)
		return dial(ctx)
	}
	e := NewEngine(SessionConfig{Nick: "bot"}, Options{Dial: slow, ConnectTimeout: 300 * time.Millisecond}, nil)

	began := time.Now()
	errc := startAsync(e)
	srv.expect("NICK bot", "USER bot 0 * :chatrelay")

	assert.ErrorIs(t, recv(t, errc), ErrConnectTimeout)
	assert.Less(t, time.Since(began), 480*time.Millisecond, "registration gets only what the dial left")
	<-e.Done()
}

func TestEngine_FatalHandshakeRejectsStart(t *testing.T) {
	srv, dial := newPipe(t)
	e := NewEngine(SessionConfig{Nick: "bot", SASL: true, SASLPassword: "pw"}, Options{Dial: dial}, nil)

	errc := startAsync(e)
	srv.expect("CAP LS 302", "NICK bot", "USER bot 0 * :chatrelay")
	srv.send(":srv CAP * LS :multi-prefix")
	srv.expect("QUIT :server does not support SASL")

	err := recv(t, errc)
	assert.True(t, IsFatal(err))
}

func TestEngine_StopForcesCloseAfterGrace(t *testing.T) {
	srv, dial := newPipe(t)
	e := NewEngine(SessionConfig{Nick: "bot"}, Options{Dial: dial, ShutdownGrace: 50 * time.Millisecond}, nil)

	errc := startAsync(e)
	srv.expect("NICK bot", "USER bot 0 * :chatrelay")
	srv.send(":srv 001 bot :Welcome")
	require.NoError(t, recv(t, errc))

	stopErr := make(chan error, 1)
	go func() { stopErr <- e.Stop(context.Background()) }()
	srv.expect("QUIT :shutting down")

	require.NoError(t, recv(t, stopErr))
	assert.NoError(t, e.Err())
}

func TestEngine_DialError(t *testing.T) {
	boom := errors.New("refused")
	e := NewEngine(SessionConfig{Nick: "bot"}, Options{
		Addr: "irc.invalid:6667",
		Dial: func(context.Context) (net.Conn, error) { return nil, boom },
	}, nil)

	assert.ErrorIs(t, e.Start(context.Background()), boom)
	assert.NoError(t, e.Stop(context.Background()))
}
