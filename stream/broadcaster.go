// Package stream turns stored task state into per-subscriber event streams.
//
// There is no fan-out hub: each subscription polls the record store at a
// fixed short interval and forwards a frame only when something changed.
// Progress advances at most every few seconds, so the fixed latency is cheap,
// and reconnection needs no replay buffer because the store already holds
// latest-state.
package stream

import (
	"context"
	"fmt"
	"time"

	"vidfetch/task"
)

type Broadcaster struct {
	store    *task.Store
	interval time.Duration
}

func NewBroadcaster(store *task.Store, interval time.Duration) *Broadcaster {
	return &Broadcaster{store: store, interval: interval}
}

// Subscribe returns a finite stream of progress events for one task. The
// channel emits on first poll, whenever the record changed, and on terminal
// transition, then closes. An unknown or evicted id yields a single
// task-not-found error frame. The stream is not restartable; reconnecting is
// just a fresh Subscribe.
func (b *Broadcaster) Subscribe(ctx context.Context, taskID string) <-chan task.ProgressEvent {
	ch := make(chan task.ProgressEvent, 4)
	go b.poll(ctx, taskID, ch)
	return ch
}

func (b *Broadcaster) poll(ctx context.Context, taskID string, ch chan<- task.ProgressEvent) {
	defer close(ch)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	first := true
	var last time.Time
	for {
		t, err := b.store.Get(taskID)
		if err != nil {
			send(ctx, ch, task.ProgressEvent{
				Status: string(task.StatusFailed),
				Error:  task.NotFoundMessage,
			})
			return
		}

		if first || t.UpdatedAt.After(last) || t.Status.Terminal() {
			if !send(ctx, ch, eventFor(t)) {
				return
			}
			first = false
			last = t.UpdatedAt
			if t.Status.Terminal() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func eventFor(t task.Task) task.ProgressEvent {
	ev := task.ProgressEvent{
		Progress: t.Progress,
		Message:  t.Message,
	}
	switch t.Status {
	case task.StatusCompleted:
		ev.Status = string(task.StatusCompleted)
		ev.Progress = 100
		ev.DownloadURL = fmt.Sprintf("/api/file/%s", t.ID)
	case task.StatusFailed:
		ev.Status = string(task.StatusFailed)
		ev.Error = t.Error
	}
	return ev
}

func send(ctx context.Context, ch chan<- task.ProgressEvent, ev task.ProgressEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
