package api

import (
	"errors"
	"net/http"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

// statusFor maps an error to its HTTP status. Codes win over classes.
func statusFor(err error) int {
	class, code := classify(err)
	return statusForCode(class, code)
}

func statusForCode(class engine.ErrorClass, code string) int {
	switch code {
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.ErrCodeAlreadyExists, engine.ErrCodeConflict, engine.ErrCodeResourceBusy,
		engine.ErrCodeResourceInUse, engine.ErrCodeCancelled:
		return http.StatusConflict
	case engine.ErrCodePolicyViolation, engine.ErrCodePolicyConflict:
		return http.StatusUnprocessableEntity
	case engine.ErrCodePermissionDenied:
		return http.StatusForbidden
	case engine.ErrCodeNotReady:
		return http.StatusAccepted
	case engine.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case engine.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case engine.ErrCodeProviderFailed:
		return http.StatusBadGateway
	case engine.ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	}

	switch class {
	case engine.ErrorClassConflict:
		return http.StatusConflict
	case engine.ErrorClassThrottled:
		return http.StatusTooManyRequests
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// classify extracts class and code from engine errors and stored job errors.
func classify(err error) (engine.ErrorClass, string) {
	var jerr *engine.JobError
	if errors.As(err, &jerr) {
		return jerr.Class, jerr.Code
	}
	if ee, ok := engine.AsEngineError(err); ok {
		return ee.Class, ee.Code
	}
	return "", ""
}

func errorResponse(err error) ErrorResponse {
	var jerr *engine.JobError
	if errors.As(err, &jerr) {
		return ErrorResponse{Error: jerr.Message, Class: jerr.Class, Code: jerr.Code, Details: jerr.Details}
	}
	if ee, ok := engine.AsEngineError(err); ok {
		return ErrorResponse{Error: ee.Error(), Class: ee.Class, Code: ee.Code, Details: ee.Details}
	}
	return ErrorResponse{Error: err.Error()}
}
