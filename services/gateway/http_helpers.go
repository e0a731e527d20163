package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"nilgw/services/gateway/internal/ledger"
)

// Envelope is the response body of every JSON route. StatusCode always equals
// the HTTP status.
type Envelope struct {
	StatusCode int             `json:"statusCode"`
	ProgramID  string          `json:"programid,omitempty"`
	Message    string          `json:"message,omitempty"`
	Uploads    []ledger.Upload `json:"uploads,omitzero"`
	Error      string          `json:"error,omitempty"`
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("request body must hold a single JSON object")
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (g *Gateway) respondOK(w http.ResponseWriter, env Envelope) {
	env.StatusCode = http.StatusOK
	respondJSON(w, http.StatusOK, env)
}

func (g *Gateway) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, Envelope{
		StatusCode: status,
		Error:      g.opts.Redactor.Redact(err.Error()),
	})
}
