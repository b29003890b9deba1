// Package client is the Go consumer of the vidfetch API. It owns the two
// retry loops the server deliberately does not: bounded submission retry on
// transient failures and bounded stream reconnect on progress-stream loss.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vidfetch/retry"
	"vidfetch/task"
)

type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Attempts int
	Delay    time.Duration
	AuthKey  string
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:  strings.TrimSuffix(baseURL, "/"),
		HTTP:     http.DefaultClient,
		Attempts: 3,
		Delay:    time.Second,
	}
}

func (c *Client) auth(req *http.Request) {
	if c.AuthKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthKey)
	}
}

// Submit posts a download request and returns the task id. Transport errors
// and 5xx responses are retried up to the ceiling with a fixed delay; a 4xx
// response is an invalid request and surfaces immediately.
func (c *Client) Submit(ctx context.Context, sourceURL string, mode task.Mode) (string, error) {
	var taskID string
	err := retry.Do(ctx, c.Attempts, c.Delay, func() error {
		body, err := json.Marshal(map[string]string{"url": sourceURL, "type": string(mode)})
		if err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/download", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.auth(req)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error: %s", resp.Status)
		case resp.StatusCode != http.StatusOK:
			var e struct {
				Error string `json:"error"`
			}
			json.NewDecoder(resp.Body).Decode(&e)
			if e.Error == "" {
				e.Error = resp.Status
			}
			return retry.Permanent(errors.New(e.Error))
		}

		var ok struct {
			TaskID string `json:"task_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
			return err
		}
		taskID = ok.TaskID
		return nil
	})
	return taskID, err
}

// Progress streams the task's progress events. The channel closes after a
// terminal event or once the reconnect ceiling is exhausted. A stream lost
// before a terminal event is reconnected with a fixed delay; a task-not-found
// frame (the submit/subscribe race) counts as one reconnect attempt. Once a
// real terminal event has been observed no reconnect is ever attempted.
func (c *Client) Progress(ctx context.Context, taskID string) <-chan task.ProgressEvent {
	out := make(chan task.ProgressEvent, 4)
	go func() {
		defer close(out)
		for attempt := 0; attempt < c.Attempts; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(c.Delay):
				}
			}
			sawTerminal, notFound := c.streamOnce(ctx, taskID, out)
			if sawTerminal && !notFound {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out
}

// streamOnce reads one SSE connection until it ends. It reports whether a
// terminal frame was seen and whether that frame was a task-not-found error.
func (c *Client) streamOnce(ctx context.Context, taskID string, out chan<- task.ProgressEvent) (sawTerminal, notFound bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/progress/"+taskID, nil)
	if err != nil {
		return false, false
	}
	req.Header.Set("Accept", "text/event-stream")
	c.auth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, false
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var ev task.ProgressEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return sawTerminal, notFound
		}
		if ev.Status != "" {
			return true, ev.Error == task.NotFoundMessage
		}
	}
	return false, false
}
