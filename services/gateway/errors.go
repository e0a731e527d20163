package gateway

import (
	"context"
	"errors"
	"net/http"

	"nilgw/services/gateway/internal/compiler"
	"nilgw/services/gateway/internal/faucet"
	"nilgw/services/gateway/internal/submit"
)

// errBadRequest marks request decoding failures.
type errBadRequest struct{ err error }

func (e errBadRequest) Error() string { return e.err.Error() }
func (e errBadRequest) Unwrap() error { return e.err }

func badRequest(err error) error { return errBadRequest{err: err} }

// statusFor maps an adapter failure to the HTTP status reported to the client.
// Failures attributable to the submitted input are 400; infrastructure is 500.
func statusFor(err error) int {
	var (
		bad      errBadRequest
		compile  *compiler.CompileError
		cooldown *faucet.CooldownError
	)
	switch {
	case errors.As(err, &bad),
		errors.Is(err, compiler.ErrEmptySource),
		errors.Is(err, faucet.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.As(err, &compile):
		if compile.Invocation() {
			return http.StatusInternalServerError
		}
		return http.StatusBadRequest
	case errors.As(err, &cooldown):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// requestStatus is statusFor, except that a request whose own deadline passed
// is reported as a gateway timeout.
func requestStatus(ctx context.Context, err error) int {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return statusFor(err)
}

// outcomeFor labels err for metrics.
func outcomeFor(err error) string {
	var (
		bad      errBadRequest
		compile  *compiler.CompileError
		missing  *compiler.ArtifactMissingError
		sub      *submit.SubmissionError
		fund     *faucet.FundingError
		cooldown *faucet.CooldownError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &bad),
		errors.Is(err, compiler.ErrEmptySource),
		errors.Is(err, faucet.ErrInvalidAddress):
		return "bad_request"
	case errors.As(err, &compile):
		return "compile_error"
	case errors.As(err, &missing):
		return "artifact_missing"
	case errors.As(err, &sub):
		return "submission_error"
	case errors.As(err, &fund):
		return "funding_error"
	case errors.As(err, &cooldown):
		return "cooldown"
	default:
		return "internal"
	}
}
