package handler

import (
	"errors"
	"fmt"
	"net/http"

	"go.temporal.io/api/serviceerror"

	errorsx "github.com/instill-ai/x/errors"
)

var errInvalidRecordID = errorsx.AddMessage(
	fmt.Errorf("invalid record id: %w", errorsx.ErrInvalidArgument),
	"The record ID must be a positive integer.",
)

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) int {
	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	switch {
	case errors.Is(err, errorsx.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errorsx.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &alreadyStarted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	msg := errorsx.MessageOrErr(err)
	if code == http.StatusConflict {
		msg = "A job for this resource is already running."
	}
	writeJSON(w, code, ErrorResponse{Code: code, Message: msg})
}
