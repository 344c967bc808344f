package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ZanzyTHEbar/chatrelay/relay/delivery"
	"github.com/ZanzyTHEbar/chatrelay/relay/generation/harness"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
	"github.com/ZanzyTHEbar/chatrelay/relay/serializer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type completerFunc func(ctx context.Context, req *harness.Request, sink harness.Sink) (*harness.Response, error)

func (f completerFunc) StreamOrchestrate(ctx context.Context, req *harness.Request, sink harness.Sink) (*harness.Response, error) {
	return f(ctx, req, sink)
}

type write struct {
	op   string
	text string
}

// recorder is a delivery.Writer and a Reactor sharing one event log.
type recorder struct {
	mu     sync.Mutex
	events []write
}

func (r *recorder) add(op, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, write{op, text})
}

func (r *recorder) log() []write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]write(nil), r.events...)
}

func (r *recorder) Create(_ context.Context, text string) (delivery.Handle, error) {
	r.add("create", text)
	return "m1", nil
}

func (r *recorder) Update(_ context.Context, _ delivery.Handle, text string) error {
	r.add("update", text)
	return nil
}

func (r *recorder) AddReaction(context.Context) error {
	r.add("react", "")
	return nil
}

func (r *recorder) RemoveReaction(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.add("unreact", "")
	return nil
}

// liveWriter refuses writes once their context has ended.
type liveWriter struct{ *recorder }

func (w liveWriter) Create(ctx context.Context, text string) (delivery.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return w.recorder.Create(ctx, text)
}

func (w liveWriter) Update(ctx context.Context, h delivery.Handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.recorder.Update(ctx, h, text)
}

type staticPrompt string

func (p staticPrompt) Resolve(override string) string {
	if override != "" {
		return override
	}
	return string(p)
}

func question(s string) []ports.PromptMessage {
	return []ports.PromptMessage{{Role: ports.RoleUser, Content: s}}
}

func newRelay(t *testing.T, c Completer, opts Options) *Relay {
	t.Helper()
	q := serializer.New(zerolog.Nop())
	t.Cleanup(func() { require.NoError(t, q.Stop(context.Background())) })
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	opts.Logger = zerolog.Nop()
	return New(c, q, opts)
}

func TestRelay_StreamsAndFinishes(t *testing.T) {
	var got *harness.Request
	c := completerFunc(func(ctx context.Context, req *harness.Request, sink harness.Sink) (*harness.Response, error) {
		got = req
		assert.NoError(t, sink.OnDelta("Hel"))
		assert.NoError(t, sink.OnDelta("Hello"))
		return &harness.Response{Text: "Hello world", Streamed: true}, nil
	})
	rec := &recorder{}
	r := newRelay(t, c, Options{
		Service:    "slack-main",
		Model:      "gpt-test",
		WebSearch:  true,
		Prompt:     staticPrompt("be brief"),
		EmptyReply: "nothing",
	})

	err := r.Submit(context.Background(), Exchange{
		Key:       "slack:C1:1.0",
		Messages:  []ports.PromptMessage{{Role: ports.RoleUser, Content: "hi"}},
		Writer:    rec,
		Streaming: true,
		Reactor:   rec,
	}).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []write{
		{"react", ""},
		{"create", "Hel"},
		{"update", "Hello world"},
		{"unreact", ""},
	}, rec.log(), "the interval suppresses the middle delta")

	require.NotNil(t, got)
	assert.Equal(t, "slack:C1:1.0", got.ConversationID)
	assert.Equal(t, "be brief", got.System)
	assert.Equal(t, ports.Options{Model: "gpt-test", WebSearch: true}, got.Options)
	assert.Equal(t, "nothing", got.Fallback)
	assert.Equal(t, "slack-main", got.Meta["service"])
	assert.NotEmpty(t, got.Meta["exchange"], "exchange id assigned")
}

func TestRelay_ServiceOverridesPrompt(t *testing.T) {
	var system string
	c := completerFunc(func(_ context.Context, req *harness.Request, _ harness.Sink) (*harness.Response, error) {
		system = req.System
		return &harness.Response{Text: "ok"}, nil
	})
	r := newRelay(t, c, Options{Prompt: staticPrompt("default"), SystemPrompt: "pirate"})

	require.NoError(t, r.Submit(context.Background(), Exchange{Key: "k", Messages: question("hi"), Writer: &recorder{}}).Wait(context.Background()))
	assert.Equal(t, "pirate", system)
}

func TestRelay_FailureWritesErrorReply(t *testing.T) {
	boom := errors.New("codex request failed (500): overloaded")
	c := completerFunc(func(_ context.Context, _ *harness.Request, sink harness.Sink) (*harness.Response, error) {
		_ = sink.OnDelta("partial")
		return nil, boom
	})
	rec := &recorder{}
	r := newRelay(t, c, Options{ErrorReply: "Something went wrong."})

	err := r.Submit(context.Background(), Exchange{Key: "k", Messages: question("q"), Writer: rec, Streaming: true, Reactor: rec}).Wait(context.Background())
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []write{
		{"react", ""},
		{"create", "partial"},
		{"update", "Something went wrong."},
		{"unreact", ""},
	}, rec.log())
}

func TestRelay_NonStreamingWritesOnce(t *testing.T) {
	c := completerFunc(func(_ context.Context, _ *harness.Request, sink harness.Sink) (*harness.Response, error) {
		_ = sink.OnDelta("ignored")
		return &harness.Response{Text: "final"}, nil
	})
	rec := &recorder{}
	r := newRelay(t, c, Options{})

	require.NoError(t, r.Submit(context.Background(), Exchange{Key: "irc:dm:bob", Messages: question("q"), Writer: rec, Remember: true}).Wait(context.Background()))
	assert.Equal(t, []write{{"create", "final"}}, rec.log())
}

func TestRelay_SameKeyInOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	c := completerFunc(func(_ context.Context, req *harness.Request, _ harness.Sink) (*harness.Response, error) {
		text := req.Messages[0].Content
		mu.Lock()
		order = append(order, text)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return &harness.Response{Text: text}, nil
	})
	r := newRelay(t, c, Options{})

	var futures []*serializer.Future
	for i := range 5 {
		futures = append(futures, r.Submit(context.Background(), Exchange{
			Key:      "irc:channel:#go",
			Messages: []ports.PromptMessage{{Role: ports.RoleUser, Content: fmt.Sprint(i)}},
			Writer:   &recorder{},
		}))
	}
	for _, f := range futures {
		require.NoError(t, f.Wait(context.Background()))
	}

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
}

func TestRelay_LoadsContextInsideExchange(t *testing.T) {
	var got []ports.PromptMessage
	c := completerFunc(func(_ context.Context, req *harness.Request, _ harness.Sink) (*harness.Response, error) {
		got = req.Messages
		return &harness.Response{Text: "ok"}, nil
	})
	rec := &recorder{}
	r := newRelay(t, c, Options{})

	thread := []ports.PromptMessage{
		{Role: ports.RoleUser, Content: "first"},
		{Role: ports.RoleAssistant, Content: "reply"},
		{Role: ports.RoleUser, Content: "second"},
	}
	err := r.Submit(context.Background(), Exchange{
		Key:     "slack:C1:1.0",
		Reactor: rec,
		Writer:  rec,
		Load: func(context.Context) ([]ports.PromptMessage, error) {
			rec.add("load", "")
			return thread, nil
		},
	}).Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, thread, got)
	assert.Equal(t, []write{{"react", ""}, {"load", ""}, {"create", "ok"}, {"unreact", ""}}, rec.log())
}

func TestRelay_LoadFailure(t *testing.T) {
	c := completerFunc(func(context.Context, *harness.Request, harness.Sink) (*harness.Response, error) {
		t.Error("completion must not run")
		return nil, nil
	})
	rec := &recorder{}
	r := newRelay(t, c, Options{ErrorReply: "oops"})

	loadErr := errors.New("conversations.replies: ratelimited")
	err := r.Submit(context.Background(), Exchange{
		Key:    "k",
		Writer: rec,
		Load:   func(context.Context) ([]ports.PromptMessage, error) { return nil, loadErr },
	}).Wait(context.Background())

	require.ErrorIs(t, err, loadErr)
	assert.Equal(t, []write{{"create", "oops"}}, rec.log())
}

func TestRelay_MissingQuestion(t *testing.T) {
	c := completerFunc(func(context.Context, *harness.Request, harness.Sink) (*harness.Response, error) {
		t.Error("completion must not run")
		return nil, nil
	})
	rec := &recorder{}
	r := newRelay(t, c, Options{MissingQuestion: "Please include a question."})

	err := r.Submit(context.Background(), Exchange{
		Key:      "k",
		Writer:   rec,
		Messages: []ports.PromptMessage{{Role: ports.RoleAssistant, Content: "earlier answer"}, {Role: ports.RoleUser, Content: "  "}},
	}).Wait(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []write{{"create", "Please include a question."}}, rec.log())
}

func TestRelay_SessionStopLeavesRunningExchange(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	c := completerFunc(func(ctx context.Context, _ *harness.Request, _ harness.Sink) (*harness.Response, error) {
		calls.Add(1)
		close(started)
		<-release
		assert.NoError(t, ctx.Err(), "a stopped session does not cancel the completion")
		_, bounded := ctx.Deadline()
		assert.True(t, bounded)
		return &harness.Response{Text: "late answer"}, nil
	})
	rec := &recorder{}
	r := newRelay(t, c, Options{ErrorReply: "sorry"})

	session, stop := context.WithCancel(context.Background())
	defer stop()
	running := r.Submit(session, Exchange{Key: "k", Messages: question("first"), Writer: liveWriter{rec}, Streaming: true})
	queued := r.Submit(session, Exchange{Key: "k", Messages: question("second"), Writer: liveWriter{rec}, Streaming: true})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange never started")
	}
	stop()
	close(release)

	require.NoError(t, running.Wait(context.Background()))
	assert.ErrorIs(t, queued.Wait(context.Background()), context.Canceled, "queued exchanges are skipped")
	assert.Equal(t, []write{{"create", "late answer"}}, rec.log())
	assert.EqualValues(t, 1, calls.Load())
}

func TestRelay_ExchangeTimeout(t *testing.T) {
	r := newRelay(t, completerFunc(nil), Options{})
	assert.Equal(t, DefaultExchangeTimeout, r.exchangeTimeout())

	r = newRelay(t, completerFunc(nil), Options{Timeout: time.Minute})
	assert.Equal(t, time.Minute+deliveryGrace, r.exchangeTimeout())
}
