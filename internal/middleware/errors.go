package middleware

import (
	"encoding/json"
	"net/http"
)

// Error codes written by middleware. They match the codes the API handlers use.
const (
	errCodeValidation    = "validation_error"
	errCodeAuthFailed    = "auth_failed"
	errCodeRateLimited   = "rate_limited"
	errCodeConflict      = "conflict"
	errCodeServicePaused = "service_paused"
	errCodeForbidden     = "forbidden"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes the {"error":{"code","message"}} envelope and records the
// code for the logging middleware.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	SetErrorCode(r.Context(), code)

	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	data, _ := json.Marshal(body)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
