package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorPayload is the error envelope every endpoint answers with.
type ErrorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := ErrorPayload{RequestID: GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
