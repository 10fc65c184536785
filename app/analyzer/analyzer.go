// Package analyzer defines the invocation contract for the external
// medication-analysis pipeline and provides the command-based runner used in
// production: the pipeline is an external executable taking the submission
// JSON on stdin and printing the result JSON to stdout.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandRunner executes the analysis command via "sh -c" with the submission
// payload on stdin. Stdout is the result document and must parse as JSON;
// stderr is captured (last MaxLogLines lines) and included in the error on
// failure.
type CommandRunner struct {
	Command     string
	Timeout     time.Duration // per-job hard limit, 0 means no limit
	MaxLogLines int           // stderr capture limit, 0 disables capture
	Stderr      io.Writer     // pass-through for pipeline diagnostics, defaults to os.Stderr
}

// Run executes the analysis command for a single job, blocking until it
// finishes or the timeout expires
func (c *CommandRunner) Run(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	capture := NewOutputCapture(c.MaxLogLines)
	stderr := io.Writer(capture)
	if c.Stderr != nil {
		stderr = io.MultiWriter(capture, c.Stderr)
	} else {
		stderr = io.MultiWriter(capture, os.Stderr)
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command) //nolint:gosec // command is operator-supplied config
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	// the context kill hits the shell only; a child process keeps the output
	// pipes open and Wait would block for its full lifetime without this
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if out := capture.GetOutput(); out != "" {
			return nil, fmt.Errorf("analysis command failed: %w\n%s", err, out)
		}
		return nil, fmt.Errorf("analysis command failed: %w", err)
	}

	result := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(result) {
		return nil, fmt.Errorf("analysis command produced invalid JSON result")
	}
	return result, nil
}

// OutputCapture collects the last N lines written to it in a circular buffer,
// thread safe for concurrent writes
type OutputCapture struct {
	maxLogLines int
	log         []string
	mu          sync.Mutex
}

// NewOutputCapture creates io.Writer that captures output limited to last max lines
func NewOutputCapture(maximum int) *OutputCapture {
	return &OutputCapture{maxLogLines: maximum}
}

// Write satisfies io.Writer interface, captures last N log lines in circular buffer
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLogLines == 0 {
		return len(p), nil // disabled, don't capture anything
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(o.log) >= o.maxLogLines {
			o.log = o.log[1:]
		}
		o.log = append(o.log, string(line))
	}
	return len(p), err
}

// GetOutput returns the captured log output as a single string
func (o *OutputCapture) GetOutput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.log, "\n")
}
