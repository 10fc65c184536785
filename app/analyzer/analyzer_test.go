package analyzer

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRunner_PassesInputAndReturnsResult(t *testing.T) {
	r := CommandRunner{Command: "cat", Stderr: io.Discard}
	res, err := r.Run(context.Background(), json.RawMessage(`{"patientInfo":{"mrn":"m-1"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"patientInfo":{"mrn":"m-1"}}`, string(res))
}

func TestCommandRunner_InvalidJSONOutput(t *testing.T) {
	r := CommandRunner{Command: "echo not a json document", Stderr: io.Discard}
	_, err := r.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON result")
}

func TestCommandRunner_FailureIncludesStderr(t *testing.T) {
	r := CommandRunner{
		Command:     "echo 'stage two crashed' >&2; exit 3",
		MaxLogLines: 10,
		Stderr:      io.Discard,
	}
	_, err := r.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "stage two crashed")
}

func TestCommandRunner_Timeout(t *testing.T) {
	r := CommandRunner{Command: "sleep 10", Timeout: 100 * time.Millisecond, Stderr: io.Discard}
	st := time.Now()
	_, err := r.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Less(t, time.Since(st), 5*time.Second)
}

func TestCommandRunner_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := CommandRunner{Command: "sleep 10", Stderr: io.Discard}
	_, err := r.Run(ctx, json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestOutputCapture_KeepsLastLines(t *testing.T) {
	c := NewOutputCapture(3)
	for _, line := range []string{"one", "two", "three", "four", "five"} {
		_, err := c.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	assert.Equal(t, "three\nfour\nfive", c.GetOutput())
}

func TestOutputCapture_Disabled(t *testing.T) {
	c := NewOutputCapture(0)
	n, err := c.Write([]byte("anything\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Empty(t, c.GetOutput())
}

func TestOutputCapture_MultilineChunks(t *testing.T) {
	c := NewOutputCapture(10)
	_, err := c.Write([]byte("a\nb\n\nc\n"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc", c.GetOutput(), "empty lines skipped")
}
