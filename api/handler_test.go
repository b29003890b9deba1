package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vidfetch/config"
	"vidfetch/stream"
	"vidfetch/task"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHandle struct {
	events chan task.RunnerEvent
}

func (h *mockHandle) Events() <-chan task.RunnerEvent { return h.events }
func (h *mockHandle) Cancel()                         {}

// mockRunner replays a fixed event script for every started task.
type mockRunner struct {
	events func(taskID string) []task.RunnerEvent
}

func (r *mockRunner) Start(ctx context.Context, taskID, sourceURL string, mode task.Mode) (task.RunnerHandle, error) {
	h := &mockHandle{events: make(chan task.RunnerEvent, 8)}
	go func() {
		defer close(h.events)
		for _, ev := range r.events(taskID) {
			h.events <- ev
		}
	}()
	return h, nil
}

type testEnv struct {
	router *gin.Engine
	cfg    *config.Config
	store  *task.Store
	mgr    *task.Manager
}

func setupTestRouter(t *testing.T, runner task.Runner) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		MaxConcurrency: 1,
		QueueSize:      16,
		TaskTimeout:    5 * time.Second,
		Retention:      time.Hour,
		MaxTaskAge:     time.Hour,
		SweepInterval:  time.Hour,
		PollInterval:   10 * time.Millisecond,
	}
	store := task.NewStore()
	mgr := task.NewManager(cfg, store, runner)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)

	bcast := stream.NewBroadcaster(store, cfg.PollInterval)
	return &testEnv{
		router: SetupRouter(mgr, store, bcast, cfg),
		cfg:    cfg,
		store:  store,
		mgr:    mgr,
	}
}

func completingRunner(t *testing.T) (task.Runner, string) {
	t.Helper()
	artifact := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("video bytes"), 0o644))
	return &mockRunner{events: func(string) []task.RunnerEvent {
		return []task.RunnerEvent{
			{Percent: 50, Message: "downloading"},
			{Terminal: true, Percent: 100, OutputPath: artifact},
		}
	}}, artifact
}

func postDownload(env *testEnv, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/download", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	env.router.ServeHTTP(w, req)
	return w
}

func waitTerminal(t *testing.T, env *testEnv, id string) task.Task {
	t.Helper()
	var got task.Task
	require.Eventually(t, func() bool {
		task, err := env.store.Get(id)
		if err != nil {
			return false
		}
		got = task
		return task.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func decodeFrames(t *testing.T, body string) []task.ProgressEvent {
	t.Helper()
	var events []task.ProgressEvent
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev task.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHandleDownload(t *testing.T) {
	runner, _ := completingRunner(t)
	env := setupTestRouter(t, runner)

	t.Run("accepts a valid request", func(t *testing.T) {
		w := postDownload(env, `{"url":"https://tiktok.com/@u/video/123","type":"video"}`)
		assert.Equal(t, http.StatusOK, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["task_id"])

		_, err := env.store.Get(resp["task_id"])
		assert.NoError(t, err)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		w := postDownload(env, `{"url":"https://tiktok.com/@u/video/123","type":"gif"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "error")
	})

	t.Run("rejects missing url", func(t *testing.T) {
		w := postDownload(env, `{"type":"video"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleProgress(t *testing.T) {
	t.Run("completed task streams terminal frame and ends", func(t *testing.T) {
		runner, _ := completingRunner(t)
		env := setupTestRouter(t, runner)

		w := postDownload(env, `{"url":"https://tiktok.com/@u/video/123","type":"video"}`)
		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		id := resp["task_id"]
		waitTerminal(t, env, id)

		sw := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/progress/"+id, nil)
		env.router.ServeHTTP(sw, req)

		events := decodeFrames(t, sw.Body.String())
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, "completed", last.Status)
		assert.Equal(t, 100, last.Progress)
		assert.Contains(t, last.DownloadURL, "/api/file/"+id)
		assert.True(t, strings.HasPrefix(last.DownloadURL, "http"))
	})

	t.Run("failed task streams error frame", func(t *testing.T) {
		runner := &mockRunner{events: func(string) []task.RunnerEvent {
			return []task.RunnerEvent{{Terminal: true, Err: errors.New("unsupported URL")}}
		}}
		env := setupTestRouter(t, runner)

		w := postDownload(env, `{"url":"https://example.com/v/1","type":"video"}`)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		waitTerminal(t, env, resp["task_id"])

		sw := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/progress/"+resp["task_id"], nil)
		env.router.ServeHTTP(sw, req)

		events := decodeFrames(t, sw.Body.String())
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, "failed", last.Status)
		assert.Equal(t, "unsupported URL", last.Error)
		assert.Empty(t, last.DownloadURL)
	})

	t.Run("unknown task yields a single not-found frame", func(t *testing.T) {
		runner, _ := completingRunner(t)
		env := setupTestRouter(t, runner)

		sw := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/progress/nonexistent", nil)
		env.router.ServeHTTP(sw, req)

		events := decodeFrames(t, sw.Body.String())
		require.Len(t, events, 1)
		assert.Equal(t, "failed", events[0].Status)
		assert.Equal(t, task.NotFoundMessage, events[0].Error)
	})
}

func TestHandleFile(t *testing.T) {
	runner, artifact := completingRunner(t)
	env := setupTestRouter(t, runner)

	w := postDownload(env, `{"url":"https://example.com/v/1","type":"video"}`)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp["task_id"]

	t.Run("serves the artifact once completed", func(t *testing.T) {
		waitTerminal(t, env, id)

		fw := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/file/"+id, nil)
		env.router.ServeHTTP(fw, req)

		assert.Equal(t, http.StatusOK, fw.Code)
		assert.Equal(t, "video bytes", fw.Body.String())
		assert.Contains(t, fw.Header().Get("Content-Disposition"), filepath.Base(artifact))
	})

	t.Run("unknown id", func(t *testing.T) {
		fw := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/file/nonexistent", nil)
		env.router.ServeHTTP(fw, req)
		assert.Equal(t, http.StatusNotFound, fw.Code)
	})

	t.Run("not ready", func(t *testing.T) {
		queued := env.store.Create("https://example.com/v/2", task.ModeVideo)
		fw := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/file/"+queued.ID, nil)
		env.router.ServeHTTP(fw, req)
		assert.Equal(t, http.StatusNotFound, fw.Code)
	})
}

func TestHandleCancel(t *testing.T) {
	runner := &mockRunner{events: func(string) []task.RunnerEvent { return nil }}
	env := setupTestRouter(t, runner)

	w := postDownload(env, `{"url":"https://example.com/v/1","type":"audio"}`)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id := resp["task_id"]

	cw := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPatch, "/api/download/"+id+"/cancel", nil)
	env.router.ServeHTTP(cw, req)
	assert.Equal(t, http.StatusOK, cw.Code)

	got := waitTerminal(t, env, id)
	assert.Equal(t, task.StatusFailed, got.Status)

	t.Run("unknown id", func(t *testing.T) {
		cw := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPatch, "/api/download/nonexistent/cancel", nil)
		env.router.ServeHTTP(cw, req)
		assert.Equal(t, http.StatusNotFound, cw.Code)
	})
}

func TestAuthMiddleware(t *testing.T) {
	runner, _ := completingRunner(t)
	env := setupTestRouter(t, runner)

	listTasks := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/tasks", nil)
		env.router.ServeHTTP(w, req)
		return w
	}

	t.Run("auth disabled", func(t *testing.T) {
		env.cfg.AuthEnable = false
		assert.Equal(t, http.StatusOK, listTasks().Code)
	})

	t.Run("auth enabled, no token", func(t *testing.T) {
		env.cfg.AuthEnable = true
		env.cfg.AuthKey = "secret"
		assert.Equal(t, http.StatusUnauthorized, listTasks().Code)
	})

	t.Run("auth enabled, wrong token", func(t *testing.T) {
		env.cfg.AuthEnable = true
		env.cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.Header.Set("Authorization", "Bearer wrong-key")
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("auth enabled, correct token", func(t *testing.T) {
		env.cfg.AuthEnable = true
		env.cfg.AuthKey = "secret"
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.Header.Set("Authorization", "Bearer secret")
		env.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
