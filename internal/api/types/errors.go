package types

import (
	"errors"
	"net/http"

	appErr "github.com/prestabanco/backend/pkg/errors"
)

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var e *appErr.AppError
	if errors.As(err, &e) {
		return &APIError{Code: string(e.Code), Message: e.Message}
	}
	return &APIError{Code: string(appErr.CodeUnknown), Message: err.Error()}
}

// WriteError renders err in the response envelope. The status comes from the
// error code; errors that are not AppErrors are reported as 500.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *appErr.AppError
	if errors.As(err, &e) {
		status = e.Status()
	}
	WriteJSON(w, status, APIResponse{Success: false, Error: FromAppError(err)})
}
