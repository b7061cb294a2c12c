// Package outbound serializes every message the bot emits through one rate-limited writer.
package outbound

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/susu3304/wagerbot/internal/clock"
	"github.com/susu3304/wagerbot/internal/metrics"
)

var ErrClosed = errors.New("outbound queue closed")

// Sender is the subset of the transport the queue writes to.
type Sender interface {
	Send(ctx context.Context, channelID, content, replyTo string) (string, error)
	Typing(ctx context.Context, channelID string) error
}

type Message struct {
	ChannelID string
	Content   string
	// ReplyTo makes the send a reply to that message id.
	ReplyTo string
}

type Result struct {
	MessageID string
	Err       error
}

type Options struct {
	MinGap time.Duration
	MaxGap time.Duration
	// NoJitter disables the random extra delay (verification mode).
	NoJitter bool
	Clock    clock.Clock
	Rand     *rand.Rand
}

type item struct {
	msg    Message
	result chan Result
}

// Queue is a FIFO with a single dispatch goroutine.
type Queue struct {
	sender Sender
	opts   Options
	// limiter is nil when there is no minimum gap. It is driven by
	// opts.Clock, never by wall time.
	limiter *rate.Limiter

	mu      sync.Mutex
	items   []item
	pending int
	idle    []chan struct{}
	closed  bool
	notify  chan struct{}
	rngMu   sync.Mutex
	logger  *log.Entry
}

func New(sender Sender, opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.MaxGap < opts.MinGap {
		opts.MaxGap = opts.MinGap
	}
	q := &Queue{
		sender: sender,
		opts:   opts,
		notify: make(chan struct{}, 1),
		logger: log.WithField("component", "outbound"),
	}
	if opts.MinGap > 0 {
		q.limiter = rate.NewLimiter(rate.Every(opts.MinGap), 1)
	}
	return q
}

// Enqueue appends msg and returns a channel that receives exactly one Result.
func (q *Queue) Enqueue(msg Message) <-chan Result {
	res := make(chan Result, 1)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		res <- Result{Err: ErrClosed}
		return res
	}
	q.items = append(q.items, item{msg: msg, result: res})
	q.pending++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return res
}

// Send enqueues msg and waits for it to be dispatched.
func (q *Queue) Send(ctx context.Context, msg Message) (string, error) {
	select {
	case r := <-q.Enqueue(msg):
		return r.MessageID, r.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run dispatches items until ctx is cancelled. Items still queued at that
// point are rejected with ErrClosed.
func (q *Queue) Run(ctx context.Context) {
	for {
		it, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				q.close()
				return
			case <-q.notify:
				continue
			}
		}
		if ctx.Err() != nil {
			q.finish(it, Result{Err: ErrClosed})
			q.close()
			return
		}
		q.finish(it, q.dispatch(ctx, it.msg))
	}
}

func (q *Queue) next() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	return it, true
}

func (q *Queue) dispatch(ctx context.Context, msg Message) Result {
	if j := q.jitter(); j > 0 {
		if err := q.opts.Clock.Sleep(ctx, j); err != nil {
			return Result{Err: err}
		}
	}
	if err := q.sender.Typing(ctx, msg.ChannelID); err != nil {
		q.logger.WithError(err).WithField("channel_id", msg.ChannelID).Debug("typing indicator failed")
	}
	if err := q.pace(ctx); err != nil {
		return Result{Err: err}
	}
	id, err := q.sender.Send(ctx, msg.ChannelID, msg.Content, msg.ReplyTo)
	if q.limiter != nil {
		// The token is taken when the send returns, so the gap runs from there.
		q.limiter.ReserveN(q.opts.Clock.Now(), 1)
	}
	metrics.Send(err)
	if err != nil {
		q.logger.WithError(err).WithField("channel_id", msg.ChannelID).Warn("send failed")
	}
	return Result{MessageID: id, Err: err}
}

// pace sleeps on the queue clock until the limiter holds a full token.
func (q *Queue) pace(ctx context.Context) error {
	if q.limiter == nil {
		return nil
	}
	missing := 1 - q.limiter.TokensAt(q.opts.Clock.Now())
	if missing <= 0 {
		return nil
	}
	return q.opts.Clock.Sleep(ctx, time.Duration(math.Ceil(missing*float64(q.opts.MinGap))))
}

func (q *Queue) jitter() time.Duration {
	if q.opts.NoJitter {
		return 0
	}
	span := q.opts.MaxGap - q.opts.MinGap
	if span <= 0 {
		return 0
	}
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	return time.Duration(q.opts.Rand.Int63n(int64(span) + 1))
}

func (q *Queue) finish(it item, r Result) {
	it.result <- r
	q.mu.Lock()
	q.pending--
	var waiters []chan struct{}
	if q.pending == 0 {
		waiters, q.idle = q.idle, nil
	}
	q.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()
	for _, it := range rest {
		q.finish(it, Result{Err: ErrClosed})
	}
}

// Len returns the number of queued or in-flight items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Drain blocks until every queued item has been dispatched.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.pending == 0 {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.idle = append(q.idle, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
