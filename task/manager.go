package task

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"vidfetch/config"
)

// Manager owns the task lifecycle: it creates records, drives one runner per
// task on its own goroutine, applies the state machine, and retires stale
// records. It is the only writer of the store.
type Manager struct {
	cfg     *config.Config
	store   *Store
	runner  Runner
	queue   chan string
	sem     chan struct{}
	cancels sync.Map // task id -> context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, store *Store, runner Runner) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		runner: runner,
		queue:  make(chan string, cfg.QueueSize),
		sem:    make(chan struct{}, cfg.MaxConcurrency),
	}
}

func (m *Manager) Start(ctx context.Context) {
	log.Println("Task engine started. Concurrency limit:", m.cfg.MaxConcurrency)
	go m.workerLoop(ctx)
	go m.sweepLoop(ctx)
}

// Wait blocks until all in-flight task goroutines have finished. Call after
// canceling the context passed to Start.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit validates the request, creates a queued record and returns its id
// immediately. The actual download happens on a background goroutine.
func (m *Manager) Submit(sourceURL string, mode Mode) (string, error) {
	if !mode.Valid() {
		return "", fmt.Errorf("%w: type must be %q or %q", ErrInvalidRequest, ModeVideo, ModeAudio)
	}
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRequest)
	}

	t := m.store.Create(sourceURL, mode)
	select {
	case m.queue <- t.ID:
	default:
		m.store.Delete(t.ID)
		return "", fmt.Errorf("task queue is full")
	}
	log.Printf("Task %s queued (%s %s)", t.ID, mode, sourceURL)
	return t.ID, nil
}

// Cancel transitions a task to failed and terminates its runner. Canceling
// an already-terminal task is a no-op.
func (m *Manager) Cancel(id string) error {
	t, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	m.fail(id, "canceled")
	if c, ok := m.cancels.Load(id); ok {
		c.(context.CancelFunc)()
	}
	log.Printf("Task %s canceled", id)
	return nil
}

// workerLoop pulls task ids from the queue and processes them, bounded by
// the concurrency semaphore.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Println("Worker loop shutting down.")
			return
		case id := <-m.queue:
			select {
			case m.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			m.wg.Add(1)
			go func(id string) {
				defer m.wg.Done()
				defer func() { <-m.sem }()
				m.processTask(ctx, id)
			}(id)
		}
	}
}

// processTask drives a single task's runner end-to-end.
func (m *Manager) processTask(parentCtx context.Context, id string) {
	t, err := m.store.Get(id)
	if err != nil || t.Status.Terminal() {
		// Evicted or canceled while still in the queue.
		return
	}

	taskCtx, cancel := context.WithTimeout(parentCtx, m.cfg.TaskTimeout)
	m.cancels.Store(id, cancel)
	defer func() {
		m.cancels.Delete(id)
		cancel()
	}()

	h, err := m.runner.Start(taskCtx, id, t.SourceURL, t.Mode)
	if err != nil {
		log.Printf("Task %s: runner start failed: %v", id, err)
		m.fail(id, "could not start download: "+err.Error())
		return
	}

	m.store.Update(id, func(t *Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = StatusRunning
		t.Message = "download started"
	})
	// Cancel may have raced with the runner start.
	if cur, err := m.store.Get(id); err == nil && cur.Status.Terminal() {
		h.Cancel()
	}

	sawTerminal := false
	for ev := range h.Events() {
		switch {
		case ev.Terminal && ev.Err == nil:
			sawTerminal = true
			if _, err := os.Stat(ev.OutputPath); err != nil {
				m.fail(id, "output file missing")
				continue
			}
			m.store.Update(id, func(t *Task) {
				if t.Status.Terminal() {
					return
				}
				t.Status = StatusCompleted
				t.Progress = 100
				t.Message = "download complete"
				t.ResultPath = ev.OutputPath
			})
			log.Printf("Task %s completed: %s", id, ev.OutputPath)
		case ev.Terminal:
			sawTerminal = true
			msg := ev.Err.Error()
			switch {
			case taskCtx.Err() == context.DeadlineExceeded:
				msg = "task timed out"
			case parentCtx.Err() != nil:
				msg = "server is shutting down"
			}
			log.Printf("Task %s failed: %s", id, msg)
			m.fail(id, msg)
		default:
			m.store.Update(id, func(t *Task) {
				if t.Status.Terminal() {
					return
				}
				if ev.Percent > t.Progress {
					t.Progress = ev.Percent
				}
				if ev.Message != "" {
					t.Message = ev.Message
				}
			})
		}
	}

	// A canceled runner stops emitting before its terminal event; anything
	// else ending the stream early is a runner defect, not a hung task.
	if !sawTerminal {
		m.fail(id, "canceled")
	}
}

// fail marks a task failed unless it is already terminal.
func (m *Manager) fail(id, msg string) {
	m.store.Update(id, func(t *Task) {
		if t.Status.Terminal() {
			return
		}
		t.Status = StatusFailed
		t.Error = msg
		t.Message = msg
		t.ResultPath = ""
	})
}

// sweepLoop periodically evicts stale records and their artifacts. Nothing
// else removes entries, so this is what bounds memory under load.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Sweep loop shutting down.")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	for _, t := range m.store.List() {
		switch {
		case t.Status.Terminal() && now.Sub(t.UpdatedAt) > m.cfg.Retention:
			if t.ResultPath != "" {
				log.Printf("Removing expired artifact %s", t.ResultPath)
				os.Remove(t.ResultPath)
			}
			m.store.Delete(t.ID)
		case !t.Status.Terminal() && now.Sub(t.CreatedAt) > m.cfg.MaxTaskAge:
			log.Printf("Task %s exceeded max age, failing", t.ID)
			m.fail(t.ID, "task timed out")
			if c, ok := m.cancels.Load(t.ID); ok {
				c.(context.CancelFunc)()
			}
		}
	}
}
