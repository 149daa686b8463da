package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/lobx/lobx/pkg/lob"
)

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(kind lob.Kind) int {
	switch kind {
	case lob.NotFound:
		return http.StatusNotFound
	case lob.InvalidOrder, lob.InvalidState, lob.InsufficientBalance:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed",
			zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := lob.KindOf(err)
	if kind == 0 {
		kind = lob.Internal
	}
	status := statusFor(kind)

	body := errorBody{Code: kind.String(), Message: err.Error()}
	var le *lob.Error
	if errors.As(err, &le) {
		body.Message = le.Msg
		if le.Err != nil {
			body.Details = le.Err.Error()
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	s.writeJSON(w, r, status, errorEnvelope{
		Error:     body,
		RequestID: requestID(r.Context()),
	})
}
