package backfill

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"twdata/internal/gather"
)

// progressTracker manages the .done and .last-completed files for crash
// recovery. One tracker covers one as-of date; its .done file lists the
// (entity, kind) pairs already settled for that date.
type progressTracker struct {
	mu      sync.Mutex
	done    map[string]struct{}
	writer  *bufio.Writer
	file    *os.File
	rootDir string // <StateDir>
	runDir  string // <StateDir>/<as-of>
}

func progressKey(code string, kind gather.Kind) string {
	return code + "|" + string(kind)
}

// newProgressTracker opens the tracker for asOf under stateDir and loads any
// existing .done entries.
func newProgressTracker(stateDir, asOf string) (*progressTracker, error) {
	runDir := filepath.Join(stateDir, asOf)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	pt := &progressTracker{
		done:    make(map[string]struct{}),
		rootDir: stateDir,
		runDir:  runDir,
	}

	path := filepath.Join(runDir, ".done")
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if key := strings.TrimSpace(line); key != "" {
				pt.done[key] = struct{}{}
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening .done: %w", err)
	}
	pt.file = f
	pt.writer = bufio.NewWriter(f)
	return pt, nil
}

// IsDone reports whether code/kind was settled earlier for this as-of date.
// A nil tracker knows nothing.
func (p *progressTracker) IsDone(code string, kind gather.Kind) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.done[progressKey(code, kind)]
	return ok
}

// MarkDone records code/kind and flushes immediately so an interrupted run
// resumes after it.
func (p *progressTracker) MarkDone(code string, kind gather.Kind) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := progressKey(code, kind)
	if _, ok := p.done[key]; ok {
		return nil
	}
	p.done[key] = struct{}{}
	if _, err := p.writer.WriteString(key + "\n"); err != nil {
		return fmt.Errorf("writing to .done: %w", err)
	}
	return p.writer.Flush()
}

// Len returns the number of settled pairs.
func (p *progressTracker) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.done)
}

// MarkCompleted writes the as-of date of a run that finished every pair.
func (p *progressTracker) MarkCompleted(date string) error {
	if p == nil {
		return nil
	}
	return os.WriteFile(filepath.Join(p.rootDir, ".last-completed"), []byte(date), 0o644)
}

// LastCompleted returns the date in .last-completed, or "".
func (p *progressTracker) LastCompleted() string {
	if p == nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(p.rootDir, ".last-completed"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Close flushes and closes the .done file.
func (p *progressTracker) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
