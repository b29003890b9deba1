package runner

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"vidfetch/task"
)

// yt-dlp with --newline prints lines like:
//
//	[download]  42.3% of 10.72MiB at 1.23MiB/s ETA 00:05
//	[download] 100% of 10.72MiB in 00:08
var downloadRe = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%`)

// parseLine maps one output line to a progress event. Lines that carry no
// percentage become message-only events (Percent -1), never errors.
// In audio mode the download phase is scaled into 0-80 so percent stays
// monotonic when the mp3 extraction phase reports afterwards.
func parseLine(line string, mode task.Mode) task.RunnerEvent {
	if m := downloadRe.FindStringSubmatch(line); m != nil {
		if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
			p := int(pct)
			if mode == task.ModeAudio {
				p = int(pct * 0.8)
			}
			if p > 100 {
				p = 100
			}
			return task.RunnerEvent{Percent: p, Message: line}
		}
	}
	if strings.HasPrefix(line, "[ExtractAudio]") {
		return task.RunnerEvent{Percent: 85, Message: "extracting audio"}
	}
	return task.RunnerEvent{Percent: -1, Message: line}
}

// discoverOutput finds the file yt-dlp produced for a task, preferring the
// extension implied by the mode and falling back to any "<taskID>.*" match.
func discoverOutput(dir, taskID string, mode task.Mode) (string, bool) {
	ext := "mp4"
	if mode == task.ModeAudio {
		ext = "mp3"
	}
	preferred := filepath.Join(dir, taskID+"."+ext)
	if info, err := os.Stat(preferred); err == nil && !info.IsDir() {
		return preferred, true
	}

	matches, _ := filepath.Glob(filepath.Join(dir, taskID+".*"))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			return m, true
		}
	}
	return "", false
}

const tailLimit = 4 << 10

// boundedTail keeps the last tailLimit bytes of captured stderr so a noisy
// child process cannot grow memory without bound.
type boundedTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *boundedTail) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > tailLimit {
		t.buf = t.buf[len(t.buf)-tailLimit:]
	}
}

func (t *boundedTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
