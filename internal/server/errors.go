package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"PerpSettle/internal/errs"
)

// httpStatus maps an engine failure family to a response status.
func httpStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch errs.KindOf(err) {
	case errs.KindInvalidInput:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict, errs.KindLifecycle:
		return http.StatusConflict
	case errs.KindConfig, errs.KindCapacity, errs.KindMarket, errs.KindSolvency, errs.KindArithmetic:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	body := errorBody{
		Code:    errs.CodeOf(err),
		Kind:    errs.KindOf(err).String(),
		Message: err.Error(),
	}
	if status == http.StatusInternalServerError {
		// Internal detail stays in the logs
		body.Message = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
