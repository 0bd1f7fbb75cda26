package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/timesheet-app/workspace-sync/config"
	"github.com/timesheet-app/workspace-sync/workspace"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// fail logs err and answers with a generic message. Details are only sent in
// development, scrubbed of configured secrets.
func (a *API) fail(w http.ResponseWriter, r *http.Request, code int, message string, err error) {
	var body = errorBody{Error: message}
	if err != nil {
		var level = slog.LevelError
		if code < http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		a.logger.Log(r.Context(), level, message,
			slog.String("path", r.URL.Path), slog.Int("status", code), slog.Any("err", err))
		body.Details = a.detail(err.Error())
	}
	writeJSON(w, code, body)
}

func (a *API) detail(msg string) string {
	if !a.cfg.IsDev() || msg == "" {
		return ""
	}
	return redact(msg, a.cfg.Secrets())
}

func redact(msg string, secrets []string) string {
	for _, s := range secrets {
		if len(s) >= 4 {
			msg = strings.ReplaceAll(msg, s, "[redacted]")
		}
	}
	return msg
}

// statusFor maps workspace errors to the HTTP status of a failed request.
// Missing configuration is a 503 until the deployment is fixed.
func statusFor(err error) int {
	var dirErr *workspace.DirectoryAPIError
	switch {
	case config.IsConfigurationError(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &dirErr) && dirErr.Status == http.StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
