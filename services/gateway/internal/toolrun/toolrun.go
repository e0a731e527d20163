package toolrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FailureMarker is the substring pynadac and cast print on stderr when they fail.
const FailureMarker = "failed"

const redacted = "[redacted]"

// Command describes one external tool invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Name is the base name of the tool binary.
func (c Command) Name() string { return filepath.Base(c.Path) }

// Result holds the captured output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Diagnostics joins stderr and stdout the way error messages report them.
func (r Result) Diagnostics() string {
	return r.Stderr + "|" + r.Stdout
}

// Runner executes external tools. A nil error means the process ran to
// completion; whether it succeeded is decided by a Policy.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Policy decides whether a finished invocation failed.
type Policy func(Result) bool

// MarkerPolicy reports failure when stderr contains FailureMarker in any case.
// The exit code is not consulted.
func MarkerPolicy(r Result) bool {
	return ReportsFailure(r.Stderr)
}

// ReportsFailure reports whether text contains FailureMarker, ignoring case.
func ReportsFailure(text string) bool {
	return strings.Contains(strings.ToLower(text), FailureMarker)
}

// Exec runs commands as child processes in their own process group so a
// deadline kills the whole tree.
type Exec struct {
	Logger   zerolog.Logger
	Redactor Redactor
	// WaitDelay bounds how long Run waits for output pipes after the process is killed.
	WaitDelay time.Duration
}

// Run starts cmd and waits for it. Non-zero exit codes are reported in the
// Result, not as an error.
func (e Exec) Run(ctx context.Context, c Command) (Result, error) {
	if strings.TrimSpace(c.Path) == "" {
		return Result{}, errors.New("tool path is required")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	configureProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	e.Logger.Debug().
		Str("tool", c.Name()).
		Strs("args", e.Redactor.Strings(c.Args)).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("tool finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", c.Name(), ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("run %s: %w", c.Name(), err)
	}
	return res, nil
}

// Redactor replaces known secret values in tool output and arguments.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a Redactor for the non-empty secrets given.
func NewRedactor(secrets ...string) Redactor {
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return Redactor{secrets: out}
}

// Redact returns s with every secret replaced.
func (r Redactor) Redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

// Strings redacts each element of in.
func (r Redactor) Strings(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.Redact(s)
	}
	return out
}

// Result redacts captured output.
func (r Redactor) Result(res Result) Result {
	res.Stdout = r.Redact(res.Stdout)
	res.Stderr = r.Redact(res.Stderr)
	return res
}

// Error redacts an error message, keeping nil as nil.
func (r Redactor) Error(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if clean := r.Redact(msg); clean != msg {
		return errors.New(clean)
	}
	return err
}
