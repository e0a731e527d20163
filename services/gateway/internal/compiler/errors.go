package compiler

import "fmt"

// CompileError reports a compiler run that failed. Err is set when the
// compiler could not be run to completion (not found, killed by deadline);
// otherwise the compiler itself reported the failure.
type CompileError struct {
	Output string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pynadac execution failed: [%v]", e.Err)
	}
	return fmt.Sprintf("pynadac execution failed: [%s]", e.Output)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Invocation reports whether the failure was in running the compiler rather
// than in the submitted source.
func (e *CompileError) Invocation() bool { return e.Err != nil }

// ArtifactMissingError reports a compiler run that looked successful but left
// no compiled program behind.
type ArtifactMissingError struct {
	Path   string
	Output string
}

func (e *ArtifactMissingError) Error() string {
	return fmt.Sprintf("compiled program %s not found after pynadac run", e.Path)
}
