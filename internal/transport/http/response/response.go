package response

import (
	"encoding/json"
	"errors"
	"net/http"

	zlog "github.com/rs/zerolog/log"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/domain"
)

// Envelope is the success envelope:
// {"data": ...}
type Envelope struct {
	Data any `json:"data,omitempty"`
}

// ErrorBody matches the ressys service style:
// {"error":{"code":"...","message":"...","request_id":"..."}}
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// JSON writes raw JSON with Content-Type.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data wraps payload with {"data": ...}
func Data(w http.ResponseWriter, status int, payload any) {
	JSON(w, status, Envelope{Data: payload})
}

func Fail(w http.ResponseWriter, status int, code, message, requestID string) {
	JSON(w, status, ErrorBody{
		Error: ErrorPayload{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

// Err maps a relay error onto the operational surface. Unclassified errors
// stay in the logs only.
func Err(w http.ResponseWriter, err error, requestID string) {
	if err == nil {
		Fail(w, http.StatusInternalServerError, "internal_error", "unknown error", requestID)
		return
	}

	var re *domain.RelayError
	if errors.As(err, &re) {
		Fail(w, statusFromKind(re.Kind), re.Code, re.Message, requestID)
		return
	}

	zlog.Error().Err(err).Msg("unhandled error")
	Fail(w, http.StatusInternalServerError, "internal_error", "internal error", requestID)
}

func statusFromKind(kind domain.ErrKind) int {
	switch kind {
	case domain.KindConfiguration:
		return http.StatusBadRequest
	case domain.KindStorageUnavailable, domain.KindBrokerUnavailable, domain.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
