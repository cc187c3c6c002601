package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"storefront/internal/apperr"
)

type errorBody struct {
	Error      string              `json:"error"`
	Details    []apperr.FieldError `json:"details,omitempty"`
	RetryAfter int                 `json:"retryAfter,omitempty"`
	RequestID  string              `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response err=%v", err)
	}
}

// fail writes err as a JSON error. Expected errors carry their message;
// anything else is reported and answered with a generic 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := apperr.HTTPStatus(err)
	reqID := RequestID(r.Context())
	body := errorBody{Error: http.StatusText(status), RequestID: reqID}

	if apperr.Expected(err) {
		if e, ok := apperr.As(err); ok {
			if e.Message != "" {
				body.Error = e.Message
			}
			body.Details = e.Fields
			if e.Kind == apperr.KindRateLimited || e.RetryAfter > 0 {
				body.RetryAfter = e.RetryAfter
				w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
			}
		}
		log.Printf("httpapi: %s rejected status=%d request=%s err=%v", op, status, reqID, err)
		writeJSON(w, status, body)
		return
	}

	body.Error = "internal server error"
	log.Printf("httpapi: %s failed status=%d request=%s kind=%s err=%v", op, status, reqID, apperr.KindOf(err), err)
	if s.Reporter != nil {
		s.Reporter.Report(r.Context(), err, map[string]any{
			"op":        op,
			"kind":      string(apperr.KindOf(err)),
			"path":      r.URL.Path,
			"requestId": reqID,
		})
	}
	writeJSON(w, status, body)
}

// readBody reads at most limit bytes.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, apperr.Validation(fmt.Sprintf("request body exceeds %d bytes", limit))
		}
		return nil, apperr.New("read body", apperr.KindValidation, err)
	}
	return b, nil
}

func decodeJSON(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return &apperr.Error{Op: "decode body", Kind: apperr.KindValidation, Message: "invalid JSON body", Err: err}
	}
	return nil
}
