package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/engine"
	"github.com/seantiz/runbox/internal/model"
	"github.com/seantiz/runbox/internal/result"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 16 << 20 // 16 MB, items can be large
)

// statusFor maps an error kind to the HTTP status of the response. Failures
// that belong to the script itself are reported with 200 and success=false.
func statusFor(kind string) int {
	switch apperr.Kind(kind) {
	case "":
		return http.StatusOK
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindExecution, apperr.KindTimeout, apperr.KindDependency:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// decodeExecutionRequest reads the request body. A malformed body is a
// validation failure.
func decodeExecutionRequest(w http.ResponseWriter, r *http.Request) (*model.ExecutionRequest, error) {
	var req model.ExecutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Validation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, apperr.Validation("invalid JSON body")
	}
	return &req, nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecutionRequest(w, r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	s.clearWriteDeadline(w)
	res := s.engine.Execute(r.Context(), req)
	s.writeJSON(w, statusFor(res.ErrorType), res)
}

func (s *Server) handleExecuteAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExecutionRequest(w, r)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	rec, err := s.engine.Submit(r.Context(), req)
	if errors.Is(err, engine.ErrOverloaded) {
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusServiceUnavailable, model.ExecutionResult{
			Error:     err.Error(),
			ErrorType: string(apperr.KindInternal),
		})
		return
	}
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.logger.Error("submit async execution", "error", err)
		}
		s.writeFailure(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a plain JSON error for the management endpoints.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure writes err in the execution response contract.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	res := result.Failure(nil, err, result.Telemetry{})
	s.writeJSON(w, statusFor(res.ErrorType), res)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
