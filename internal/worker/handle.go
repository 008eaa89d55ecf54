package worker

import (
	"bufio"
	"bytes"
	"context"
	"sync"
	"time"
)

const maxOutputLines = 64

// Result is what a finished subprocess left behind.
type Result struct {
	ExitCode int
	Output   []string
	LastLine string
	Duration time.Duration
}

// Success reports a zero exit code.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Handle is a live reference to one supervised subprocess.
type Handle struct {
	id      string
	key     string
	command Command
	proc    Process
	started time.Time
	done    chan struct{}

	mu       sync.Mutex
	lines    []string
	lastLine string
	result   Result
	err      error
}

func newHandle(id, key string, cmd Command, proc Process, started time.Time) *Handle {
	return &Handle{
		id:      id,
		key:     key,
		command: cmd,
		proc:    proc,
		started: started,
		done:    make(chan struct{}),
	}
}

func (h *Handle) ID() string           { return h.id }
func (h *Handle) Key() string          { return h.key }
func (h *Handle) PID() int             { return h.proc.PID() }
func (h *Handle) Command() Command     { return h.command }
func (h *Handle) StartedAt() time.Time { return h.started }

// Done is closed once the subprocess has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the subprocess is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return h.proc.Alive()
}

// LastLine returns the most recent line of output.
func (h *Handle) LastLine() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastLine
}

// Output returns the buffered tail of the subprocess output.
func (h *Handle) Output() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

// Wait blocks until the subprocess exits or ctx is done. A non-zero exit is
// reported through Result, not as an error.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *Handle) appendLine(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastLine = line
	h.lines = append(h.lines, line)
	if len(h.lines) > maxOutputLines {
		h.lines = h.lines[len(h.lines)-maxOutputLines:]
	}
}

func (h *Handle) finish(exitCode int, err error, finished time.Time) {
	h.mu.Lock()
	h.result = Result{
		ExitCode: exitCode,
		Output:   append([]string(nil), h.lines...),
		LastLine: h.lastLine,
		Duration: finished.Sub(h.started),
	}
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// scanOutputLines splits on newlines and carriage returns so progress bars
// that redraw in place still produce lines.
func scanOutputLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (h *Handle) collect() {
	scanner := bufio.NewScanner(h.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanOutputLines)
	for scanner.Scan() {
		line := string(bytes.TrimSpace(scanner.Bytes()))
		if line == "" {
			continue
		}
		h.appendLine(line)
	}
}
