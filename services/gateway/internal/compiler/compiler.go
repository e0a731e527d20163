package compiler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nilgw/services/gateway/internal/toolrun"
)

const (
	// SourceSuffix is the extension given to scratch source files.
	SourceSuffix = ".py"
	// ArtifactSuffix replaces SourceSuffix on the compiled program.
	ArtifactSuffix = ".nada.bin"

	scratchPrefix  = "nada-"
	defaultTimeout = 30 * time.Second
)

// ErrEmptySource is returned when there is nothing to compile.
var ErrEmptySource = errors.New("program source is empty")

// Options configures a Compiler.
type Options struct {
	Binary     string
	ScratchDir string
	TargetDir  string
	Timeout    time.Duration
	// KeepFiles leaves scratch files in place after Build.Close, for one-shot
	// deployments whose scratch area dies with the process.
	KeepFiles bool
	Policy    toolrun.Policy
	Logger    zerolog.Logger
}

// Compiler turns Nada source text into a compiled program with pynadac.
type Compiler struct {
	runner toolrun.Runner
	opts   Options
}

// New validates opts and applies defaults.
func New(runner toolrun.Runner, opts Options) (*Compiler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, errors.New("compiler binary is required")
	}
	if strings.TrimSpace(opts.ScratchDir) == "" {
		opts.ScratchDir = os.TempDir()
	}
	if strings.TrimSpace(opts.TargetDir) == "" {
		opts.TargetDir = opts.ScratchDir
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Policy == nil {
		opts.Policy = toolrun.MarkerPolicy
	}
	return &Compiler{runner: runner, opts: opts}, nil
}

// Build is a compiled program sitting in the scratch area.
type Build struct {
	SourcePath   string
	ArtifactPath string

	keep bool
	once sync.Once
	err  error
}

// Close removes the source and artifact files. It is safe to call more than once.
func (b *Build) Close() error {
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		if b.keep {
			return
		}
		var errs []error
		for _, path := range []string{b.SourcePath, b.ArtifactPath} {
			if path == "" {
				continue
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		b.err = errors.Join(errs...)
	})
	return b.err
}

// ArtifactPathFor derives the compiled program path: the source base name
// with its extension replaced by ArtifactSuffix, inside targetDir.
func ArtifactPathFor(sourcePath, targetDir string) string {
	base := filepath.Base(sourcePath)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + ArtifactSuffix
	return filepath.Join(targetDir, name)
}

// Compile writes source to a uniquely named scratch file and runs the
// compiler on it. On success the caller owns the returned Build and must
// Close it. On failure scratch files are already removed.
func (c *Compiler) Compile(ctx context.Context, source string) (*Build, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptySource
	}

	sourcePath, err := c.writeSource(source)
	if err != nil {
		return nil, err
	}
	build := &Build{
		SourcePath:   sourcePath,
		ArtifactPath: ArtifactPathFor(sourcePath, c.opts.TargetDir),
		keep:         c.opts.KeepFiles,
	}

	if err := c.run(ctx, build); err != nil {
		if closeErr := build.Close(); closeErr != nil {
			c.opts.Logger.Warn().Err(closeErr).Str("source", sourcePath).Msg("remove scratch files")
		}
		return nil, err
	}
	return build, nil
}

func (c *Compiler) run(ctx context.Context, build *Build) error {
	runCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	res, err := c.runner.Run(runCtx, toolrun.Command{
		Path: c.opts.Binary,
		Args: []string{"--target-dir", c.opts.TargetDir, build.SourcePath},
	})
	if err != nil {
		return &CompileError{Output: res.Diagnostics(), Err: err}
	}
	if c.opts.Policy(res) {
		return &CompileError{Output: res.Diagnostics()}
	}

	if _, err := os.Stat(build.ArtifactPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ArtifactMissingError{Path: build.ArtifactPath, Output: res.Diagnostics()}
		}
		return fmt.Errorf("stat compiled program: %w", err)
	}

	c.opts.Logger.Debug().
		Str("artifact", build.ArtifactPath).
		Dur("duration", res.Duration).
		Msg("program compiled")
	return nil
}

func (c *Compiler) writeSource(source string) (string, error) {
	path := filepath.Join(c.opts.ScratchDir, scratchPrefix+uuid.NewString()+SourceSuffix)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create scratch source: %w", err)
	}
	if _, err := file.WriteString(source); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("write scratch source: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close scratch source: %w", err)
	}
	return path, nil
}
