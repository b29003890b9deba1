// Package runner wraps the external yt-dlp executable as a child process and
// turns its line-oriented output into progress events for the task engine.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vidfetch/config"
	"vidfetch/task"

	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type Runner struct {
	cfg       *config.Config
	dir       string
	extraArgs []string
}

func New(cfg *config.Config) (*Runner, error) {
	if _, err := exec.LookPath(cfg.YTDLPBin); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YTDLPBin)
	}

	dir := cfg.DownloadDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "vidfetch_")
		if err != nil {
			return nil, fmt.Errorf("could not create download directory: %w", err)
		}
		dir = tmp
		cfg.DownloadDir = tmp
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create download directory: %w", err)
	}
	log.Printf("Using download directory: %s", dir)

	extraArgs, err := shlex.Split(cfg.YTDLPExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid YTDLP_EXTRA_ARGS: %w", err)
	}

	return &Runner{cfg: cfg, dir: dir, extraArgs: extraArgs}, nil
}

// Start spawns yt-dlp for one task. The returned handle's event channel
// carries progress events and exactly one terminal event, then closes.
func (r *Runner) Start(ctx context.Context, taskID, sourceURL string, mode task.Mode) (task.RunnerHandle, error) {
	if err := r.checkResources(); err != nil {
		return nil, fmt.Errorf("insufficient system resources: %w", err)
	}

	args := r.buildArgs(taskID, sourceURL, mode)
	cmd := exec.CommandContext(ctx, r.cfg.YTDLPBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	log.Printf("Task %s: executing %s %s", taskID, cmd.Path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn failed: %w", err)
	}

	h := &handle{
		cmd:    cmd,
		dir:    r.dir,
		events: make(chan task.RunnerEvent, 32),
	}
	go h.consume(taskID, mode, stdout, stderr)
	return h, nil
}

func (r *Runner) buildArgs(taskID, sourceURL string, mode task.Mode) []string {
	args := []string{
		"--newline", "--no-warnings", "--no-playlist",
		"-o", filepath.Join(r.dir, taskID+".%(ext)s"),
	}
	if mode == task.ModeAudio {
		args = append(args,
			"-f", "bestaudio/best",
			"--extract-audio", "--audio-format", "mp3", "--audio-quality", "320K",
		)
	} else {
		args = append(args, "-f", "best[ext=mp4]/best")
	}
	args = append(args, r.extraArgs...)
	return append(args, sourceURL)
}

// checkResources verifies that the system has enough free resources to start
// another download. A zero threshold disables the corresponding check.
func (r *Runner) checkResources() error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(r.dir)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", r.dir, err)
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}

// handle owns one child process. Cancel mutes event emission before killing
// the process, so no event is ever observed after Cancel returns.
type handle struct {
	cmd    *exec.Cmd
	dir    string
	events chan task.RunnerEvent

	mu    sync.Mutex
	muted bool
}

func (h *handle) Events() <-chan task.RunnerEvent { return h.events }

func (h *handle) Cancel() {
	h.mu.Lock()
	h.muted = true
	h.mu.Unlock()
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
}

func (h *handle) emit(ev task.RunnerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.muted {
		return
	}
	if ev.Terminal {
		h.events <- ev
		return
	}
	select {
	case h.events <- ev:
	default:
		// Drop stale progress rather than block the scanner.
	}
}

func (h *handle) consume(taskID string, mode task.Mode, stdout, stderr io.ReadCloser) {
	defer close(h.events)

	var tail boundedTail
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			tail.WriteLine(sc.Text())
		}
	}()

	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		h.emit(parseLine(line, mode))
	}
	wg.Wait()
	err := h.cmd.Wait()

	if err != nil {
		diag := tail.String()
		if diag == "" {
			diag = err.Error()
		}
		h.emit(task.RunnerEvent{Terminal: true, Err: errors.New(diag)})
		return
	}

	path, ok := discoverOutput(h.dir, taskID, mode)
	if !ok {
		h.emit(task.RunnerEvent{Terminal: true, Err: errors.New("no output file produced")})
		return
	}
	h.emit(task.RunnerEvent{Terminal: true, Percent: 100, Message: "finished", OutputPath: path})
}
