package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/saritra/pipeweave/orchestrator/observability"
	"github.com/saritra/pipeweave/orchestrator/store"
)

// PollerConfig holds the scheduling loop knobs.
type PollerConfig struct {
	// PollInterval is the cadence of claim passes.
	PollInterval time.Duration
	// MaxConcurrency caps dispatches in flight across all tasks.
	MaxConcurrency int
}

// DefaultPollerConfig returns production defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:   time.Second,
		MaxConcurrency: 20,
	}
}

// Poller periodically claims ready runs and hands them to the dispatcher.
// One logical loop; each dispatch is its own short-lived goroutine bounded by
// MaxConcurrency.
type Poller struct {
	store      store.Store
	dispatcher *Dispatcher
	config     PollerConfig

	mu       sync.Mutex
	inflight map[string]bool // run ids between claim and dispatch return
	active   bool
}

// NewPoller creates a Poller.
func NewPoller(s store.Store, dispatcher *Dispatcher, config PollerConfig) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 20
	}
	return &Poller{
		store:      s,
		dispatcher: dispatcher,
		config:     config,
		inflight:   make(map[string]bool),
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) {
	p.Activate()
	go p.loop(ctx)
}

// Activate marks the poller claimable without starting the loop. Serverless
// deployments use this and drive Tick externally.
func (p *Poller) Activate() {
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
}

// Stop halts claiming; in-flight dispatches finish on their own.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	log.Println("Stopping poller...")
	p.active = false
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	log.Printf("Poller started (interval %v, max concurrency %d)", p.config.PollInterval, p.config.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			log.Println("Poller stopping (context cancelled)")
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := p.Tick(ctx); err != nil {
				log.Printf("Poller pass failed: %v", err)
			}
			observability.PollerLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// Tick performs one claim pass and returns the number of runs handed to the
// dispatcher. Serverless deployments call this directly instead of Start.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return 0, nil
	}
	inflightCount := len(p.inflight)
	exclude := make([]string, 0, inflightCount)
	for id := range p.inflight {
		exclude = append(exclude, id)
	}
	p.mu.Unlock()

	// Gate: the poller idles outside running mode.
	state, err := p.store.GetOrchestratorState(ctx)
	if err != nil {
		return 0, err
	}
	if state.Mode != store.ModeRunning {
		return 0, nil
	}

	counts, err := p.store.CountQueue(ctx)
	if err != nil {
		return 0, err
	}
	observability.QueueDepth.WithLabelValues("pending").Set(float64(counts.Pending))
	observability.QueueDepth.WithLabelValues("running").Set(float64(counts.Running))
	observability.QueueDepth.WithLabelValues("waiting").Set(float64(counts.Waiting))
	if err := p.store.UpdateOrchestratorCounts(ctx, counts.Pending, counts.Running); err != nil {
		log.Printf("Poller: state counts update failed: %v", err)
	}

	budget := p.config.MaxConcurrency - counts.Running - inflightCount
	if budget <= 0 {
		return 0, nil
	}

	claimed, err := p.store.ClaimDueRuns(ctx, store.ClaimRequest{
		Limit:         budget,
		ExcludeRunIDs: exclude,
		Now:           time.Now(),
	})
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var dispatched int
	var wg sync.WaitGroup
	for _, run := range claimed {
		if !p.dispatcher.AllowService(run.ServiceID) {
			// Leave the run pending; the next pass picks it up.
			continue
		}
		p.mu.Lock()
		if p.inflight[run.ID] {
			p.mu.Unlock()
			continue
		}
		p.inflight[run.ID] = true
		p.mu.Unlock()

		dispatched++
		observability.PollerClaims.Inc()
		logDecision(schedulingDecision{
			Component: "poller",
			Decision:  "DISPATCH",
			RunID:     run.ID,
			TaskID:    run.TaskID,
			Priority:  run.Priority,
			Attempt:   run.Attempt,
		})

		wg.Add(1)
		go func(run *store.TaskRun) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("CRITICAL: dispatch of %s panicked: %v", run.ID, r)
				}
				p.mu.Lock()
				delete(p.inflight, run.ID)
				p.mu.Unlock()
			}()
			p.dispatcher.Dispatch(ctx, run)
		}(run)
	}
	wg.Wait()
	return dispatched, nil
}

// Snapshot exposes internal counters for the debug endpoint.
func (p *Poller) Snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"active":          p.active,
		"inflight":        len(p.inflight),
		"max_concurrency": p.config.MaxConcurrency,
		"poll_interval":   p.config.PollInterval.String(),
	}
}

// schedulingDecision is a structured log record for claim decisions.
type schedulingDecision struct {
	Component string `json:"component"`
	Decision  string `json:"decision"`
	RunID     string `json:"run_id"`
	TaskID    string `json:"task_id"`
	Priority  int    `json:"priority"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason,omitempty"`
}

func logDecision(d schedulingDecision) {
	data, _ := json.Marshal(d)
	log.Println(string(data))
}
