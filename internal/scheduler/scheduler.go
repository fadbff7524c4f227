// Package scheduler runs the timer workers that fire approval reminders,
// escalations and expiries. Timers are claimed through pkg/lease, so any
// number of scheduler processes can share one queue safely.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tidegrid/metacore/pkg/lease"
)

const (
	defaultMaxAttempts = 5
	defaultLease       = 2 * time.Minute
	defaultBatch       = 20
)

// Handler processes one claimed timer. Returning an error records a failed
// attempt; the timer retries until max attempts and then dead-letters.
type Handler interface {
	HandleTimer(ctx context.Context, t lease.Timer) error
}

type Scheduler struct {
	queue       lease.Queue
	handlers    map[string]Handler
	owner       string
	workers     int
	interval    time.Duration
	leaseFor    time.Duration
	batch       int
	maxAttempts int
}

type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLease(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.leaseFor = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func New(queue lease.Queue, owner string, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:       queue,
		handlers:    map[string]Handler{},
		owner:       owner,
		workers:     2,
		interval:    5 * time.Second,
		leaseFor:    leaseFromEnv(),
		batch:       defaultBatch,
		maxAttempts: maxAttemptsFromEnv(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to a timer kind. Claimed timers of an
// unregistered kind fail their attempt.
func (s *Scheduler) Register(kind string, h Handler) {
	s.handlers[kind] = h
}

// Run claims and dispatches timers until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.workLoop(ctx, fmt.Sprintf("%s-%d", s.owner, worker))
		}(i)
	}
	wg.Wait()
}

func (s *Scheduler) workLoop(ctx context.Context, owner string) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx, owner)
		}
	}
}

// drain claims one batch and dispatches it. Failed timers return to
// pending and wait for a later tick rather than retrying immediately.
func (s *Scheduler) drain(ctx context.Context, owner string) {
	timers, err := s.queue.Claim(ctx, owner, s.batch, s.leaseFor)
	if err != nil {
		log.Printf("scheduler: claim: %v", err)
		return
	}
	for _, t := range timers {
		s.dispatch(ctx, owner, t)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, owner string, t lease.Timer) {
	handler, ok := s.handlers[t.Kind]
	if !ok {
		s.fail(ctx, owner, t, fmt.Sprintf("no handler for kind %q", t.Kind))
		return
	}
	renewCtx, stopRenew := context.WithCancel(ctx)
	go s.renewLoop(renewCtx, owner, t.ID)
	err := handler.HandleTimer(ctx, t)
	stopRenew()
	if err != nil {
		s.fail(ctx, owner, t, err.Error())
		return
	}
	if err := s.queue.Complete(ctx, owner, t.ID); err != nil {
		log.Printf("scheduler: complete timer %s: %v", t.ID, err)
	}
}

// renewLoop extends the lease while a handler runs, so a slow handler does
// not lose its claim to another worker mid-flight.
func (s *Scheduler) renewLoop(ctx context.Context, owner string, timerID string) {
	interval := s.leaseFor / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.queue.Renew(ctx, owner, timerID); err != nil {
				if ctx.Err() == nil {
					log.Printf("scheduler: renew timer %s: %v", timerID, err)
				}
				return
			}
		}
	}
}

func (s *Scheduler) fail(ctx context.Context, owner string, t lease.Timer, reason string) {
	terminal, err := s.queue.Fail(ctx, owner, t.ID, reason, s.maxAttempts)
	if err != nil {
		log.Printf("scheduler: fail timer %s: %v", t.ID, err)
		return
	}
	if terminal {
		log.Printf("scheduler: timer %s (%s) dead-lettered after %d attempts: %s", t.ID, t.Kind, s.maxAttempts, reason)
	}
}

func leaseFromEnv() time.Duration {
	raw := os.Getenv("TIMER_LEASE_SECONDS")
	if raw == "" {
		return defaultLease
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLease
	}
	return time.Duration(n) * time.Second
}

func maxAttemptsFromEnv() int {
	raw := os.Getenv("TIMER_MAX_ATTEMPTS")
	if raw == "" {
		return defaultMaxAttempts
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultMaxAttempts
	}
	return n
}
