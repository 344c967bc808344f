// Package delivery turns a stream of accumulated reply text into a bounded
// number of transport writes.
//
// A Scheduler owns one outbound reply. The first non-empty text creates the
// transport message; later texts update it at most once per interval, with a
// single trailing timer coalescing whatever arrives in between. Finish always
// performs one last write carrying the definitive text.
package delivery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Handle identifies a transport message once it has been created.
type Handle string

// Writer is the transport side of a reply.
type Writer interface {
	Create(ctx context.Context, text string) (Handle, error)
	Update(ctx context.Context, h Handle, text string) error
}

// Options configures a Scheduler.
type Options struct {
	// Interval is the minimum time between two transport writes.
	Interval time.Duration
	// Streaming enables intermediate writes. Transports that cannot edit a
	// message disable it and only receive the final (or error) write.
	Streaming bool
	// Placeholder replaces an empty body; transports may reject empty text.
	Placeholder string
	// ErrorText is written when the exchange fails.
	ErrorText string
	// Format shapes text for the transport (trimming, truncation).
	Format func(string) string
	Clock  Clock
	Logger zerolog.Logger
}

// Scheduler is the delivery state of one reply. All methods are safe for
// concurrent use; transport writes never overlap.
type Scheduler struct {
	ctx     context.Context
	w       Writer
	opts    Options
	clock   Clock
	limiter *rate.Limiter
	log     zerolog.Logger

	// mu guards the fields below and is held across transport writes.
	mu      sync.Mutex
	handle  Handle
	created bool
	latest  string
	timer   Timer
	done    bool
	stopped bool
}

// New returns a Scheduler writing through w. ctx bounds every write,
// including those issued by the trailing timer.
func New(ctx context.Context, w Writer, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Format == nil {
		opts.Format = strings.TrimSpace
	}
	if opts.Placeholder == "" {
		opts.Placeholder = "."
	}
	if opts.ErrorText == "" {
		opts.ErrorText = opts.Placeholder
	}

	return &Scheduler{
		ctx:     ctx,
		w:       w,
		opts:    opts,
		clock:   opts.Clock,
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
		log:     opts.Logger,
	}
}

// OnDelta receives the full text accumulated so far.
func (s *Scheduler) OnDelta(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done || s.stopped || !s.opts.Streaming {
		return nil
	}
	s.latest = text

	now := s.clock.Now()
	if !s.created {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		s.limiter.AllowN(now, 1)
		return s.create(text)
	}

	if s.timer != nil {
		return nil
	}

	r := s.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		s.timer = s.clock.AfterFunc(delay, s.flushPending)
		return nil
	}
	return s.update(text)
}

// Finish cancels any pending write and performs the final one. An empty final
// text falls back to the last streamed text, then to the placeholder.
func (s *Scheduler) Finish(final string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return nil
	}
	s.done = true
	s.stopTimer()

	text := final
	if strings.TrimSpace(text) == "" {
		text = s.latest
	}

	if !s.created {
		return s.create(text)
	}
	return s.update(text)
}

// Fail writes the error text once, best effort. A failing write is logged
// and dropped.
func (s *Scheduler) Fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return
	}
	s.done = true
	s.stopTimer()

	var err error
	if s.created {
		err = s.update(s.opts.ErrorText)
	} else {
		err = s.create(s.opts.ErrorText)
	}
	if err != nil {
		s.log.Warn().Err(err).AnErr("cause", cause).Msg("error reply could not be delivered")
	}
}

// Stop cancels an armed timer and ignores further deltas. Finish and Fail
// still apply so that a late result reaches the target if it still exists.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.stopTimer()
}

// Handle returns the transport handle once the message exists.
func (s *Scheduler) Handle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.created
}

func (s *Scheduler) flushPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil || s.done || s.stopped {
		return
	}
	s.timer = nil

	if err := s.update(s.latest); err != nil {
		s.log.Warn().Err(err).Msg("scheduled reply update failed")
	}
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) body(text string) string {
	body := s.opts.Format(text)
	if strings.TrimSpace(body) == "" {
		return s.opts.Placeholder
	}
	return body
}

func (s *Scheduler) create(text string) error {
	h, err := s.w.Create(s.ctx, s.body(text))
	if err != nil {
		return err
	}
	s.handle = h
	s.created = true
	return nil
}

func (s *Scheduler) update(text string) error {
	return s.w.Update(s.ctx, s.handle, s.body(text))
}
