package errors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
)

// Response is the JSON body rendered for every failed request
type Response struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Render writes err as a JSON error response. Unstructured errors are logged
// and rendered as a generic 500 so no internal detail reaches the caller.
func Render(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !As(err, &e) {
		slog.Error("Unstructured error", "path", r.URL.Path, "error", err)
		e = Internal("internal server error")
	}
	if e.Code == ErrCodeInternal {
		if e.Err != nil {
			slog.Error("Internal error", "path", r.URL.Path, "error", e.Err)
		}
		e = Internal("internal server error")
	}

	render.Status(r, e.HTTPStatusCode())
	render.JSON(w, r, Response{
		Error:            e.WireCode(),
		ErrorDescription: e.Message,
	})
}
