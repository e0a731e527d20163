package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nilgw/services/gateway/internal/toolrun"
	"nilgw/services/gateway/internal/toolrun/toolruntest"
)

// emitArtifact behaves like a successful pynadac: it writes the compiled
// program next to the requested target directory.
func emitArtifact(stderr string) func(context.Context, toolrun.Command) (toolrun.Result, error) {
	return func(_ context.Context, cmd toolrun.Command) (toolrun.Result, error) {
		target, source := cmd.Args[1], cmd.Args[2]
		if err := os.WriteFile(ArtifactPathFor(source, target), []byte("bin"), 0o600); err != nil {
			return toolrun.Result{}, err
		}
		return toolrun.Result{Stderr: stderr, Stdout: "Building ...\n"}, nil
	}
}

func newCompiler(t *testing.T, runner toolrun.Runner, keep bool) (*Compiler, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := New(runner, Options{
		Binary:     "/var/task/pynadac",
		ScratchDir: dir,
		KeepFiles:  keep,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return c, dir
}

func scratchFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCompileSuccess(t *testing.T) {
	runner := &toolruntest.Runner{Fn: emitArtifact("")}
	c, dir := newCompiler(t, runner, false)

	build, err := c.Compile(context.Background(), "x = 1")
	require.NoError(t, err)

	assert.Equal(t, dir, filepath.Dir(build.SourcePath))
	assert.True(t, strings.HasPrefix(filepath.Base(build.SourcePath), "nada-"))
	assert.True(t, strings.HasSuffix(build.SourcePath, SourceSuffix))
	assert.Equal(t, ArtifactPathFor(build.SourcePath, dir), build.ArtifactPath)

	written, err := os.ReadFile(build.SourcePath)
	require.NoError(t, err)
	assert.Equal(t, "x = 1", string(written))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/var/task/pynadac", calls[0].Path)
	assert.Equal(t, []string{"--target-dir", dir, build.SourcePath}, calls[0].Args)

	require.NoError(t, build.Close())
	assert.Empty(t, scratchFiles(t, dir))
	require.NoError(t, build.Close())
}

func TestCompileFailureMarkerWinsOverExitCode(t *testing.T) {
	runner := &toolruntest.Runner{Fn: emitArtifact("Error: parsing failed")}
	c, dir := newCompiler(t, runner, false)

	build, err := c.Compile(context.Background(), "def nada_main(:")
	require.Nil(t, build)

	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.False(t, compileErr.Invocation())
	assert.Equal(t, "Error: parsing failed|Building ...\n", compileErr.Output)
	assert.True(t, strings.HasPrefix(err.Error(), "pynadac execution failed: ["))
	assert.Contains(t, err.Error(), "parsing failed")
	assert.Empty(t, scratchFiles(t, dir), "scratch files must be removed on failure")
}

func TestCompileInvocationFailure(t *testing.T) {
	runner := &toolruntest.Runner{Fn: toolruntest.Reply(toolrun.Result{}, context.DeadlineExceeded)}
	c, dir := newCompiler(t, runner, false)

	_, err := c.Compile(context.Background(), "x = 1")
	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	assert.True(t, compileErr.Invocation())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Empty(t, scratchFiles(t, dir))
}

func TestCompileArtifactMissing(t *testing.T) {
	runner := &toolruntest.Runner{Fn: toolruntest.Reply(toolrun.Result{ExitCode: 0}, nil)}
	c, _ := newCompiler(t, runner, false)

	_, err := c.Compile(context.Background(), "x = 1")
	var missing *ArtifactMissingError
	require.True(t, errors.As(err, &missing))
	assert.True(t, strings.HasSuffix(missing.Path, ArtifactSuffix))
}

func TestCompileEmptySource(t *testing.T) {
	runner := &toolruntest.Runner{}
	c, _ := newCompiler(t, runner, false)

	_, err := c.Compile(context.Background(), "  \n")
	assert.ErrorIs(t, err, ErrEmptySource)
	assert.Empty(t, runner.Calls())
}

func TestCompileKeepFiles(t *testing.T) {
	runner := &toolruntest.Runner{Fn: emitArtifact("")}
	c, dir := newCompiler(t, runner, true)

	build, err := c.Compile(context.Background(), "x = 1")
	require.NoError(t, err)
	require.NoError(t, build.Close())
	assert.Len(t, scratchFiles(t, dir), 2)
}

func TestCompileUsesUniqueScratchNames(t *testing.T) {
	runner := &toolruntest.Runner{Fn: emitArtifact("")}
	c, _ := newCompiler(t, runner, true)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		build, err := c.Compile(context.Background(), "x = 1")
		require.NoError(t, err)
		assert.False(t, seen[build.SourcePath], "duplicate scratch path %s", build.SourcePath)
		seen[build.SourcePath] = true
	}
}

func TestCompileSeparateTargetDir(t *testing.T) {
	scratch, target := t.TempDir(), t.TempDir()
	runner := &toolruntest.Runner{Fn: emitArtifact("")}
	c, err := New(runner, Options{Binary: "pynadac", ScratchDir: scratch, TargetDir: target, Logger: zerolog.Nop()})
	require.NoError(t, err)

	build, err := c.Compile(context.Background(), "x = 1")
	require.NoError(t, err)
	defer build.Close()
	assert.Equal(t, target, filepath.Dir(build.ArtifactPath))
	assert.Equal(t, scratch, filepath.Dir(build.SourcePath))
}

func TestArtifactPathFor(t *testing.T) {
	tests := []struct {
		source, target, want string
	}{
		{"/tmp/xyz.py", "/tmp", "/tmp/xyz.nada.bin"},
		{"/scratch/nada-1234.py", "/out", "/out/nada-1234.nada.bin"},
		{"/scratch/noext", "/out", "/out/noext.nada.bin"},
		{"/scratch/a.b.py", "/out", "/out/a.b.nada.bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ArtifactPathFor(tt.source, tt.target))
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{Binary: "pynadac"})
	assert.Error(t, err)
	_, err = New(&toolruntest.Runner{}, Options{})
	assert.Error(t, err)
}
