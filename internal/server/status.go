package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"

	"LeverLedger/internal/core"
	"LeverLedger/internal/fault"
)

// CodeFromError maps an error to the gRPC status code clients see.
func CodeFromError(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, core.ErrRunnerStopped):
		return codes.Unavailable
	}

	switch fault.KindOf(err) {
	case fault.ErrValidation:
		return codes.InvalidArgument
	case fault.ErrAuthorization:
		return codes.PermissionDenied
	case fault.ErrNotFound:
		return codes.NotFound
	case fault.ErrConflict:
		return codes.AlreadyExists
	case fault.ErrLiquidity, fault.ErrHealth, fault.ErrTransfer:
		return codes.FailedPrecondition
	case fault.ErrStaleData:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError renders err as JSON with the HTTP status grpc-gateway uses for
// the mapped code. Internal errors hide their message.
func writeError(w http.ResponseWriter, err error) {
	code := CodeFromError(err)
	msg := err.Error()
	if code == codes.Internal {
		msg = "internal error"
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), errorBody{
		Code:    code.String(),
		Kind:    fault.Label(err),
		Message: msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
