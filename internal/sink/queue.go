package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"h264relay/internal/h264"
)

var (
	// ErrQueueClosed is returned by Put and Configure after Close.
	ErrQueueClosed = errors.New("sink: queue closed")
	// ErrDropped is returned by Put under PolicyDrop when the queue is full.
	ErrDropped = errors.New("sink: queue full, access unit dropped")
)

type item struct {
	cfg *Config
	au  h264.AccessUnit
}

// Queue is the bounded hand-off between a receive goroutine and the
// goroutine driving a Sink. There is a single producer, which calls Close
// after its last Put.
type Queue struct {
	ch     chan item
	policy Policy
	log    *slog.Logger

	once   sync.Once
	closed chan struct{}
}

// NewQueue returns a queue holding up to size items.
func NewQueue(size int, policy Policy, log *slog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		ch:     make(chan item, size),
		policy: policy,
		log:    log,
		closed: make(chan struct{}),
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Configure enqueues a sink configuration. It always blocks for room so
// that configuration is never lost.
func (q *Queue) Configure(ctx context.Context, cfg Config) error {
	return q.send(ctx, item{cfg: &cfg})
}

// Put enqueues an access unit according to the queue policy.
func (q *Queue) Put(ctx context.Context, au h264.AccessUnit) error {
	if q.policy == PolicyBlock {
		return q.send(ctx, item{au: au})
	}

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- item{au: au}:
		return nil
	default:
		q.log.Warn("queue full, dropping access unit",
			"pts", au.PTS, "keyframe", au.Keyframe, "size", len(au.Data))
		return ErrDropped
	}
}

func (q *Queue) send(ctx context.Context, it item) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- it:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of input. Run delivers what is still queued and
// then signals end of stream.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}

// Run drives s until the queue is closed and drained, or ctx is done.
// EndOfStream is called on s in both cases.
func (q *Queue) Run(ctx context.Context, s Sink) (err error) {
	defer func() {
		if eosErr := s.EndOfStream(); eosErr != nil && err == nil {
			err = fmt.Errorf("end of stream: %w", eosErr)
		}
	}()

	for {
		select {
		case it := <-q.ch:
			if err := q.deliver(s, it); err != nil {
				return err
			}
		case <-q.closed:
			for {
				select {
				case it := <-q.ch:
					if err := q.deliver(s, it); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) deliver(s Sink, it item) error {
	if it.cfg != nil {
		if err := s.Configure(*it.cfg); err != nil {
			return fmt.Errorf("configure sink: %w", err)
		}
		return nil
	}
	if err := s.Submit(it.au); err != nil {
		return fmt.Errorf("submit access unit: %w", err)
	}
	if n := s.DrainOutput(); n > 0 {
		q.log.Debug("sink output", "units", n, "pts", it.au.PTS)
	}
	return nil
}
