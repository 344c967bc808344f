package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrClosedBeforeReady means the connection ended during registration.
	ErrClosedBeforeReady = errors.New("irc: connection closed before ready")
	// ErrUnexpectedClose means a ready connection ended without Stop.
	ErrUnexpectedClose = errors.New("irc: connection closed unexpectedly")
	// ErrConnectTimeout means registration did not finish in time.
	ErrConnectTimeout = errors.New("irc: connect timeout")
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultShutdownGrace  = 2 * time.Second
)

// Dialer opens the transport connection.
type Dialer func(ctx context.Context) (net.Conn, error)

// Handler receives addressed messages on the read goroutine. It must not block.
type Handler func(Message)

// Options configures the socket side of an Engine.
type Options struct {
	Addr             string
	TLS              bool
	ConnectTimeout   time.Duration
	ShutdownGrace    time.Duration
	MaxMessageLength int
	// Dial overrides TCP/TLS dialing.
	Dial   Dialer
	Logger zerolog.Logger
}

// Engine runs a Session over a connection.
type Engine struct {
	opts    Options
	handler Handler
	log     zerolog.Logger

	mu      sync.Mutex
	session *Session
	conn    net.Conn
	stopped bool
	err     error

	writeMu sync.Mutex

	ready     chan struct{}
	readyErr  chan error
	readyOnce sync.Once
	done      chan struct{}
	stopOnce  sync.Once
}

// NewEngine prepares an engine; nothing is dialed until Start.
func NewEngine(cfg SessionConfig, opts Options, handler Handler) *Engine {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = DefaultMaxMessageLength
	}
	if opts.Dial == nil {
		opts.Dial = defaultDialer(opts.Addr, opts.TLS)
	}
	if handler == nil {
		handler = func(Message) {}
	}

	return &Engine{
		opts:     opts,
		handler:  handler,
		log:      opts.Logger,
		session:  NewSession(cfg),
		ready:    make(chan struct{}),
		readyErr: make(chan error, 1),
		done:     make(chan struct{}),
	}
}

func defaultDialer(addr string, useTLS bool) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		if useTLS {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			d := &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
			return d.DialContext(ctx, "tcp", addr)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Start connects, registers and blocks until the session is ready. Dialing
// and registration share one ConnectTimeout deadline. On failure the
// connection is torn down before Start returns.
func (e *Engine) Start(ctx context.Context) error {
	timeout := fmt.Errorf("%w after %s", ErrConnectTimeout, e.opts.ConnectTimeout)
	startCtx, cancel := context.WithTimeoutCause(ctx, e.opts.ConnectTimeout, timeout)
	defer cancel()

	conn, err := e.opts.Dial(startCtx)
	if err != nil {
		close(e.done)
		if cause := context.Cause(startCtx); cause != nil {
			return fmt.Errorf("irc dial %s: %w", e.opts.Addr, cause)
		}
		return fmt.Errorf("irc dial %s: %w", e.opts.Addr, err)
	}

	e.mu.Lock()
	e.conn = conn
	greeting := e.session.Open()
	e.mu.Unlock()

	go e.readLoop(conn)

	if err := e.writeLines(greeting); err != nil {
		e.abort()
		return fmt.Errorf("irc register: %w", err)
	}

	select {
	case <-e.ready:
		e.log.Info().Str("nick", e.Nick()).Msg("irc session ready")
		return nil
	case err := <-e.readyErr:
		e.abort()
		return err
	case <-startCtx.Done():
		e.abort()
		return context.Cause(startCtx)
	}
}

// Send delivers text to target as one PRIVMSG per chunk. Once the session is
// stopped or the connection has ended the text is discarded.
func (e *Engine) Send(target, text string) error {
	if e.closing() {
		e.log.Debug().Str("target", target).Msg("irc session closed, reply discarded")
		return nil
	}

	var lines []string
	for _, chunk := range SplitMessage(text, e.opts.MaxMessageLength) {
		lines = append(lines, "PRIVMSG "+target+" :"+chunk)
	}
	return e.writeLines(lines)
}

// Stop quits, half-closes and waits up to the grace period before forcing the
// connection shut. It is idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		conn := e.conn
		e.mu.Unlock()
		if conn == nil {
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(e.opts.ShutdownGrace))
		_ = e.writeLines([]string{"QUIT :shutting down"})
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = hc.CloseWrite()
		}

		grace := time.NewTimer(e.opts.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-e.done:
		case <-grace.C:
		case <-ctx.Done():
		}
		_ = conn.Close()
		<-e.done
		e.log.Info().Msg("irc session stopped")
	})
	return nil
}

func (e *Engine) closing() bool {
	select {
	case <-e.done:
		return true
	default:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Done is closed when the connection has ended.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err reports why the connection ended: nil after Stop, ErrUnexpectedClose or
// a FatalError otherwise.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Nick returns the nickname currently held.
func (e *Engine) Nick() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Nick()
}

func (e *Engine) abort() {
	e.mu.Lock()
	e.stopped = true
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	<-e.done
}

func (e *Engine) writeLines(lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\r\n")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err := io.WriteString(conn, b.String())
	return err
}

func (e *Engine) readLoop(conn net.Conn) {
	defer close(e.done)

	r := bufio.NewReaderSize(conn, 16*1024)
	for {
		raw, err := r.ReadString('\n')
		if line := strings.TrimRight(raw, "\r\n"); line != "" {
			e.handleLine(line)
		}
		if err != nil {
			e.closed(err)
			return
		}
	}
}

func (e *Engine) handleLine(raw string) {
	l, ok := ParseLine(raw)
	if !ok {
		return
	}

	e.mu.Lock()
	out := e.session.Handle(l)
	e.mu.Unlock()

	if err := e.writeLines(out.Lines); err != nil {
		e.log.Warn().Err(err).Str("command", l.Command).Msg("irc write failed")
	}

	if out.Fatal != nil {
		e.log.Error().Err(out.Fatal).Msg("irc session failed")
		e.mu.Lock()
		if e.err == nil {
			e.err = out.Fatal
		}
		conn := e.conn
		e.mu.Unlock()
		e.rejectReady(out.Fatal)
		if hc, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = hc.CloseWrite()
		} else {
			_ = conn.Close()
		}
		return
	}

	if out.Ready {
		e.readyOnce.Do(func() { close(e.ready) })
	}
	for _, m := range out.Messages {
		e.handler(m)
	}
}

func (e *Engine) closed(readErr error) {
	e.mu.Lock()
	e.session.Close()
	stopped := e.stopped
	wasReady := e.session.ready
	if !stopped && e.err == nil {
		if wasReady {
			e.err = ErrUnexpectedClose
		} else {
			e.err = ErrClosedBeforeReady
		}
	}
	err := e.err
	e.mu.Unlock()

	if stopped {
		return
	}
	if wasReady {
		e.log.Error().Err(readErr).Msg("irc connection closed unexpectedly")
		return
	}
	e.rejectReady(err)
}

func (e *Engine) rejectReady(err error) {
	select {
	case e.readyErr <- err:
	default:
	}
}
