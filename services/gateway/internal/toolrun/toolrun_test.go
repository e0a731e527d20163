package toolrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shell(script string) Command {
	return Command{Path: "/bin/sh", Args: []string{"-c", script}}
}

func TestExecCapturesOutput(t *testing.T) {
	res, err := Exec{Logger: zerolog.Nop()}.Run(context.Background(), shell(`echo out; echo err >&2`))
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecNonZeroExitIsNotAnError(t *testing.T) {
	res, err := Exec{Logger: zerolog.Nop()}.Run(context.Background(), shell(`echo nope >&2; exit 3`))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "nope\n", res.Stderr)
}

func TestExecPassesEnvAndDir(t *testing.T) {
	dir := t.TempDir()
	cmd := shell(`printf '%s:%s' "$NILGW_TEST_VALUE" "$(pwd)"`)
	cmd.Env = []string{"NILGW_TEST_VALUE=hello"}
	cmd.Dir = dir

	res, err := Exec{Logger: zerolog.Nop()}.Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "hello:")
}

func TestExecDeadlineKillsProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Exec{Logger: zerolog.Nop(), WaitDelay: 500 * time.Millisecond}.Run(ctx, shell(`sleep 30 & sleep 30`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecMissingBinary(t *testing.T) {
	_, err := Exec{Logger: zerolog.Nop()}.Run(context.Background(), Command{Path: "/nonexistent/pynadac"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pynadac")
}

func TestExecRequiresPath(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), Command{})
	require.Error(t, err)
}

func TestMarkerPolicy(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		failed bool
	}{
		{name: "empty stderr exit zero", result: Result{}, failed: false},
		{name: "lowercase marker", result: Result{Stderr: "Error: parsing failed"}, failed: true},
		{name: "uppercase marker exit zero", result: Result{Stderr: "COMPILATION FAILED"}, failed: true},
		{name: "mixed case", result: Result{Stderr: "transaction Failed to send"}, failed: true},
		{name: "marker only on stdout", result: Result{Stdout: "failed"}, failed: false},
		{name: "non-zero exit without marker", result: Result{Stderr: "warning", ExitCode: 1}, failed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.failed, MarkerPolicy(tt.result))
		})
	}
}

func TestDiagnostics(t *testing.T) {
	assert.Equal(t, "err|out", Result{Stderr: "err", Stdout: "out"}.Diagnostics())
}

func TestRedactor(t *testing.T) {
	r := NewRedactor("", "0xabc", "0xabcdef")

	assert.Equal(t, "key [redacted] and [redacted]", r.Redact("key 0xabcdef and 0xabc"))
	assert.Equal(t, []string{"--private-key", "[redacted]"}, r.Strings([]string{"--private-key", "0xabcdef"}))

	res := r.Result(Result{Stdout: "sent with 0xabc", Stderr: "0xabcdef failed"})
	assert.Equal(t, "sent with [redacted]", res.Stdout)
	assert.Equal(t, "[redacted] failed", res.Stderr)

	assert.NoError(t, r.Error(nil))
	assert.EqualError(t, r.Error(errors.New("bad key 0xabc")), "bad key [redacted]")
	plain := errors.New("plain")
	assert.Same(t, plain, r.Error(plain))
}
