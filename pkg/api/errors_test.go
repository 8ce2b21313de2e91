package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stratum-cloud/stratum/pkg/engine"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", engine.NewNotFoundError("gone"), http.StatusNotFound},
		{"validation", engine.NewValidationError("bad", nil), http.StatusBadRequest},
		{"already exists", engine.NewPermanentError("dup", nil).WithCode(engine.ErrCodeAlreadyExists), http.StatusConflict},
		{"busy", engine.NewConflictError("busy", nil).WithCode(engine.ErrCodeResourceBusy), http.StatusConflict},
		{"in use", engine.NewPermanentError("used", nil).WithCode(engine.ErrCodeResourceInUse), http.StatusConflict},
		{"policy violation", engine.NewPermanentError("no", nil).WithCode(engine.ErrCodePolicyViolation), http.StatusUnprocessableEntity},
		{"permission", engine.NewPermanentError("no", nil).WithCode(engine.ErrCodePermissionDenied), http.StatusForbidden},
		{"not ready", engine.NewTransientError("wait", nil).WithCode(engine.ErrCodeNotReady), http.StatusAccepted},
		{"throttled class", engine.NewThrottledError("slow down", nil), http.StatusTooManyRequests},
		{"transient class", engine.NewTransientError("blip", nil), http.StatusServiceUnavailable},
		{"conflict class", engine.NewConflictError("race", nil), http.StatusConflict},
		{"fatal", engine.NewInfrastructureFatalError("broken", nil), http.StatusInternalServerError},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("ctx: %w", engine.NewNotFoundError("gone")), http.StatusNotFound},
		{"job error", &engine.JobError{Class: engine.ErrorClassPermanent, Code: engine.ErrCodePolicyConflict}, http.StatusUnprocessableEntity},
		{"job error by class", &engine.JobError{Class: engine.ErrorClassInfrastructureFatal, Code: engine.ErrCodeRollbackIncomplete}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestErrorResponse(t *testing.T) {
	jerr := &engine.JobError{
		Class:   engine.ErrorClassPermanent,
		Code:    engine.ErrCodeResourceInUse,
		Message: "resource is referenced",
		Details: map[string]interface{}{"step": "validate"},
	}
	resp := errorResponse(jerr)
	assert.Equal(t, "resource is referenced", resp.Error)
	assert.Equal(t, engine.ErrCodeResourceInUse, resp.Code)
	assert.Equal(t, "validate", resp.Details["step"])

	resp = errorResponse(engine.NewNotFoundError("workspace not found: w9"))
	assert.Equal(t, engine.ErrCodeNotFound, resp.Code)
	assert.Contains(t, resp.Error, "w9")

	resp = errorResponse(errors.New("boom"))
	assert.Equal(t, ErrorResponse{Error: "boom"}, resp)
}
