package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"nilgw/pkg/bus"
	"nilgw/services/gateway/internal/archive"
	"nilgw/services/gateway/internal/compiler"
	"nilgw/services/gateway/internal/faucet"
	"nilgw/services/gateway/internal/ledger"
)

// uploadRequest is the body of POST /upload-nada-source/{programName}.
type uploadRequest struct {
	// Nadalang is the program source, base64 encoded.
	Nadalang string `json:"nadalang"`
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	programName := strings.TrimSpace(chi.URLParam(r, "programName"))

	programID, err := g.upload(ctx, w, r, programName)
	g.metrics.uploads.WithLabelValues(outcomeFor(err)).Inc()
	if err != nil {
		status := requestStatus(ctx, err)
		g.logFailure(r, err, status).Str("program", programName).Msg("upload failed")
		g.respondError(w, status, err)
		return
	}
	g.respondOK(w, Envelope{ProgramID: programID})
}

func (g *Gateway) upload(ctx context.Context, w http.ResponseWriter, r *http.Request, programName string) (string, error) {
	if programName == "" {
		return "", badRequest(errors.New("program name is required"))
	}
	source, err := g.readSource(w, r)
	if err != nil {
		return "", err
	}

	build, err := g.compile(ctx, programName, source)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := build.Close(); err != nil {
			g.opts.Logger.Warn().Err(err).Str("source", build.SourcePath).Msg("remove scratch files")
		}
	}()

	programID, err := g.store(ctx, programName, build.ArtifactPath)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(source))
	rec := ledger.Upload{
		ID:           uuid.New(),
		ProgramName:  programName,
		ProgramID:    programID,
		SourceSHA256: hex.EncodeToString(sum[:]),
		Details:      map[string]any{"request_id": middleware.GetReqID(ctx)},
		CreatedAt:    g.opts.Now().UTC(),
	}
	rec.ArchiveKey = g.archive(ctx, rec, build)
	g.recordUpload(ctx, rec)
	g.publish(ctx, ProgramStored{
		UploadID:     rec.ID,
		ProgramName:  rec.ProgramName,
		ProgramID:    rec.ProgramID,
		SourceSHA256: rec.SourceSHA256,
		ArchiveKey:   rec.ArchiveKey,
		StoredAt:     rec.CreatedAt,
	})
	return programID, nil
}

// readSource decodes the JSON body and its base64 payload into UTF-8 source text.
func (g *Gateway) readSource(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, encodedLimit(g.opts.MaxSourceBytes))

	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", badRequest(fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return "", badRequest(fmt.Errorf("invalid request body: %w", err))
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Nadalang))
	if err != nil {
		return "", badRequest(fmt.Errorf("nadalang is not valid base64: %w", err))
	}
	if int64(len(raw)) > g.opts.MaxSourceBytes {
		return "", badRequest(fmt.Errorf("program source exceeds %d bytes", g.opts.MaxSourceBytes))
	}
	if !utf8.Valid(raw) {
		return "", badRequest(errors.New("program source is not valid UTF-8"))
	}
	return string(raw), nil
}

// encodedLimit is the body size that can carry maxSource bytes of base64
// source plus the JSON wrapper.
func encodedLimit(maxSource int64) int64 {
	encoded := int64(math.Ceil(float64(maxSource)/3)) * 4
	return encoded + 4096
}

func (g *Gateway) compile(ctx context.Context, programName, source string) (*compiler.Build, error) {
	ctx, span := g.tracer.Start(ctx, "nada.compile", trace.WithAttributes(
		attribute.String("nada.program", programName),
		attribute.Int("nada.source_bytes", len(source)),
	))
	defer span.End()

	start := time.Now()
	build, err := g.deps.Compiler.Compile(ctx, source)
	g.metrics.observeStage("compile", start, err)
	endSpan(span, err)
	return build, err
}

func (g *Gateway) store(ctx context.Context, programName, artifactPath string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "nillion.store_program", trace.WithAttributes(
		attribute.String("nada.program", programName),
	))
	defer span.End()

	start := time.Now()
	programID, err := g.deps.Submitter.StoreProgram(ctx, programName, artifactPath)
	g.metrics.observeStage("submit", start, err)
	endSpan(span, err)
	if err == nil {
		span.SetAttributes(attribute.String("nillion.program_id", programID))
	}
	return programID, err
}

func (g *Gateway) archive(ctx context.Context, rec ledger.Upload, build *compiler.Build) string {
	if g.deps.Archiver == nil {
		return ""
	}
	obj, err := g.deps.Archiver.Archive(ctx, archive.Entry{
		UploadID:     rec.ID,
		ProgramName:  rec.ProgramName,
		ProgramID:    rec.ProgramID,
		SourcePath:   build.SourcePath,
		ArtifactPath: build.ArtifactPath,
	})
	if err != nil {
		g.opts.Logger.Warn().Err(err).Str("program", rec.ProgramName).Msg("archive program")
		return ""
	}
	return obj.Key
}

func (g *Gateway) recordUpload(ctx context.Context, rec ledger.Upload) {
	if _, err := g.deps.Ledger.RecordUpload(context.WithoutCancel(ctx), rec); err != nil {
		g.opts.Logger.Warn().Err(err).Str("program", rec.ProgramName).Msg("record upload")
	}
}

func (g *Gateway) handleFaucet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := strings.TrimSpace(chi.URLParam(r, "address"))

	err := g.fund(ctx, address)
	g.metrics.grants.WithLabelValues(outcomeFor(err)).Inc()
	if err != nil {
		status := requestStatus(ctx, err)
		var cooldown *faucet.CooldownError
		if errors.As(err, &cooldown) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(cooldown.RetryAfter.Seconds()))))
		}
		g.logFailure(r, err, status).Str("address", address).Msg("faucet failed")
		g.respondError(w, status, err)
		return
	}

	g.publish(ctx, FaucetFunded{
		GrantID:  uuid.New(),
		Address:  address,
		Amount:   g.deps.Funder.Amount(),
		FundedAt: g.opts.Now().UTC(),
	})
	g.respondOK(w, Envelope{Message: "OK"})
}

// handleUploads lists recorded uploads, newest first, optionally for one program.
func (g *Gateway) handleUploads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	programName := strings.TrimSpace(chi.URLParam(r, "programName"))

	uploads, err := g.deps.Ledger.Uploads(ctx, programName)
	if err != nil {
		status := requestStatus(ctx, err)
		g.logFailure(r, err, status).Str("program", programName).Msg("list uploads failed")
		g.respondError(w, status, errors.New("upload history is unavailable"))
		return
	}
	if uploads == nil {
		uploads = []ledger.Upload{}
	}
	g.respondOK(w, Envelope{Uploads: uploads})
}

func (g *Gateway) fund(ctx context.Context, address string) error {
	ctx, span := g.tracer.Start(ctx, "faucet.fund", trace.WithAttributes(
		attribute.String("faucet.address", address),
	))
	defer span.End()

	start := time.Now()
	err := g.deps.Funder.Fund(ctx, address)
	g.metrics.observeStage("fund", start, err)
	endSpan(span, err)
	return err
}

func (g *Gateway) publish(ctx context.Context, evt bus.Event) {
	if g.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
	defer cancel()
	if err := g.deps.Events.Publish(ctx, evt); err != nil {
		g.opts.Logger.Warn().Err(err).Str("subject", evt.Subject()).Msg("publish event")
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), eventTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range g.opts.ReadyChecks {
		if err := check(ctx); err != nil {
			failed[name] = g.opts.Redactor.Redact(err.Error())
		}
	}
	if len(failed) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (g *Gateway) logFailure(r *http.Request, err error, status int) *zerolog.Event {
	evt := g.opts.Logger.Warn()
	if status >= http.StatusInternalServerError {
		evt = g.opts.Logger.Error()
	}
	return evt.
		Str("request_id", middleware.GetReqID(r.Context())).
		Int("status", status).
		Str("error", g.opts.Redactor.Redact(err.Error()))
}

func endSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, outcomeFor(err))
}
