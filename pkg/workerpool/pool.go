// Package workerpool provides bounded worker pools with a core/max worker
// split, a bounded queue and a configurable saturation policy.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrSaturated is returned when the queue is full, all workers are busy
	// and the pool uses the Reject policy.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrClosed is returned when submitting to a pool that has been shut down.
	ErrClosed = errors.New("worker pool closed")
)

var (
	poolQueued = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gema",
		Subsystem: "pool",
		Name:      "queued_tasks",
		Help:      "Tasks waiting in the pool queue",
	}, []string{"pool"})

	poolWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gema",
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Live workers per pool",
	}, []string{"pool"})

	poolActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gema",
		Subsystem: "pool",
		Name:      "active_tasks",
		Help:      "Tasks currently executing",
	}, []string{"pool"})

	poolRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "pool",
		Name:      "rejected_total",
		Help:      "Submissions rejected because the pool was saturated",
	}, []string{"pool"})

	poolCallerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "pool",
		Name:      "caller_runs_total",
		Help:      "Submissions executed on the submitting goroutine",
	}, []string{"pool"})
)

// Policy decides what happens when a submission finds the pool saturated.
type Policy int

const (
	// CallerRuns executes the task on the submitting goroutine.
	CallerRuns Policy = iota
	// Reject fails the submission with ErrSaturated.
	Reject
)

func (p Policy) String() string {
	switch p {
	case CallerRuns:
		return "caller_runs"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts a config value into a Policy.
func ParsePolicy(value string) (Policy, error) {
	switch value {
	case "", "caller_runs", "caller-runs", "callerruns":
		return CallerRuns, nil
	case "reject", "abort":
		return Reject, nil
	default:
		return CallerRuns, fmt.Errorf("unknown saturation policy %q", value)
	}
}

// Config sizes a pool.
type Config struct {
	Name      string
	Core      int
	Max       int
	QueueSize int
	KeepAlive time.Duration
	Policy    Policy
}

// Validate checks the sizing invariants.
func (c Config) Validate() error {
	if c.Core <= 0 {
		return fmt.Errorf("pool %s: core workers must be positive", c.Name)
	}
	if c.Max < c.Core {
		return fmt.Errorf("pool %s: max workers (%d) must be >= core workers (%d)", c.Name, c.Max, c.Core)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("pool %s: queue size must not be negative", c.Name)
	}
	return nil
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	Active  int    `json:"active"`
	Queued  int    `json:"queued"`
	Core    int    `json:"core"`
	Max     int    `json:"max"`
}

// Pool runs submitted jobs on a bounded set of goroutines. Core workers live
// until shutdown; workers above core are started only when the queue is full
// and exit after KeepAlive without work.
type Pool struct {
	cfg   Config
	queue chan func()

	mu      sync.Mutex
	workers int
	active  int
	closed  bool

	wg sync.WaitGroup
}

// New starts the core workers of a pool.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	p := &Pool{
		cfg:   cfg,
		queue: make(chan func(), cfg.QueueSize),
	}

	p.mu.Lock()
	for i := 0; i < cfg.Core; i++ {
		p.spawnLocked(nil, false)
	}
	p.mu.Unlock()

	return p, nil
}

// Name returns the configured pool name.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Go schedules job. With the CallerRuns policy a saturated pool runs job
// before Go returns.
func (p *Pool) Go(job func()) error {
	if job == nil {
		return errors.New("job is nil")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	select {
	case p.queue <- job:
		poolQueued.WithLabelValues(p.cfg.Name).Set(float64(len(p.queue)))
		p.mu.Unlock()
		return nil
	default:
	}

	if p.workers < p.cfg.Max {
		p.spawnLocked(job, true)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.cfg.Policy == CallerRuns {
		poolCallerRuns.WithLabelValues(p.cfg.Name).Inc()
		p.run(job)
		return nil
	}

	poolRejected.WithLabelValues(p.cfg.Name).Inc()
	return ErrSaturated
}

// Stats reports the current worker and queue counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:    p.cfg.Name,
		Workers: p.workers,
		Active:  p.active,
		Queued:  len(p.queue),
		Core:    p.cfg.Core,
		Max:     p.cfg.Max,
	}
}

// Shutdown stops accepting work and waits for queued and running jobs.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s shutdown: %w", p.cfg.Name, ctx.Err())
	}
}

func (p *Pool) spawnLocked(first func(), extra bool) {
	p.workers++
	poolWorkers.WithLabelValues(p.cfg.Name).Set(float64(p.workers))
	p.wg.Add(1)
	go p.worker(first, extra)
}

func (p *Pool) worker(first func(), extra bool) {
	defer func() {
		p.mu.Lock()
		p.workers--
		poolWorkers.WithLabelValues(p.cfg.Name).Set(float64(p.workers))
		p.mu.Unlock()
		p.wg.Done()
	}()

	if first != nil {
		p.run(first)
	}

	if !extra {
		for job := range p.queue {
			p.dequeued()
			p.run(job)
		}
		return
	}

	idle := time.NewTimer(p.cfg.KeepAlive)
	defer idle.Stop()
	for {
		select {
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.dequeued()
			p.run(job)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.KeepAlive)
		case <-idle.C:
			return
		}
	}
}

func (p *Pool) dequeued() {
	poolQueued.WithLabelValues(p.cfg.Name).Set(float64(len(p.queue)))
}

func (p *Pool) run(job func()) {
	p.mu.Lock()
	p.active++
	poolActive.WithLabelValues(p.cfg.Name).Set(float64(p.active))
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		poolActive.WithLabelValues(p.cfg.Name).Set(float64(p.active))
		p.mu.Unlock()
	}()

	job()
}
