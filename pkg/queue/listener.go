package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/pgsubstrate/pkg/logger"
)

// Listener turns pg_notify messages sent on enqueue into worker wakeups. It
// holds one dedicated connection and re-establishes it when it drops.
type Listener struct {
	pool       *pgxpool.Pool
	channel    string
	retryDelay time.Duration
	maxDelay   time.Duration
	log        *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenChannel sets the notification channel. It must match the
// storage's channel.
func WithListenChannel(channel string) ListenerOption {
	return func(l *Listener) {
		if channel != "" {
			l.channel = channel
		}
	}
}

// WithReconnectDelay sets the first and the largest delay between
// reconnection attempts.
func WithReconnectDelay(initial, maxDelay time.Duration) ListenerOption {
	return func(l *Listener) {
		if initial > 0 {
			l.retryDelay = initial
		}
		if maxDelay >= initial {
			l.maxDelay = maxDelay
		}
	}
}

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(log *slog.Logger) ListenerOption {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

// NewListener creates a listener on pool. Call Run to start listening.
func NewListener(pool *pgxpool.Pool, opts ...ListenerOption) *Listener {
	l := &Listener{
		pool:       pool,
		channel:    NotifyChannel,
		retryDelay: time.Second,
		maxDelay:   30 * time.Second,
		log:        slog.Default(),
		subs:       make(map[string]map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(logger.Component("listener"))
	return l
}

// Subscribe returns a channel signalled when a job is enqueued on
// queueName, and a func that removes the subscription. Signals coalesce.
func (l *Listener) Subscribe(queueName string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	if l.subs[queueName] == nil {
		l.subs[queueName] = make(map[chan struct{}]struct{})
	}
	l.subs[queueName][ch] = struct{}{}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs[queueName], ch)
		if len(l.subs[queueName]) == 0 {
			delete(l.subs, queueName)
		}
	}
}

// Notify signals the subscribers of queueName.
func (l *Listener) Notify(queueName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[queueName] {
		signal(ch)
	}
}

// notifyAll wakes every subscriber; notifications may have been missed
// while disconnected.
func (l *Listener) notifyAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, set := range l.subs {
		for ch := range set {
			signal(ch)
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run listens until ctx is done, reconnecting with a growing delay.
func (l *Listener) Run(ctx context.Context) error {
	delay := l.retryDelay
	for {
		listening, err := l.listen(ctx)
		if ctx.Err() != nil {
			l.log.InfoContext(context.WithoutCancel(ctx), "listener stopped")
			return nil
		}
		if listening {
			delay = l.retryDelay
		}
		l.log.WarnContext(ctx, "listen connection lost, reconnecting",
			logger.Error(err),
			slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, l.maxDelay)
	}
}

// listen reports whether LISTEN succeeded before the connection failed.
func (l *Listener) listen(ctx context.Context) (bool, error) {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listen connection: %w", err)
	}
	// A connection in LISTEN state must not return to the pool.
	conn := pc.Hijack()
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.log.InfoContext(ctx, "listening for job notifications", slog.String("channel", l.channel))
	l.notifyAll()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		l.Notify(n.Payload)
	}
}

var _ Wakeups = (*Listener)(nil)
