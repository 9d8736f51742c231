package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/logger"
)

// Sentinel errors local to the transport. Engine errors carry the kinds
// defined in the errors package.
var (
	// ErrTooManyConnections indicates the hub is at its connection limit
	ErrTooManyConnections = errors.New("too many connections")

	// ErrConnectionClosed indicates the connection was already disconnected
	ErrConnectionClosed = errors.New("connection closed")
)

// statusForKind maps an error kind to its HTTP status
func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindNone:
		return http.StatusOK
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindUnauthorized:
		return http.StatusUnauthorized
	case errors.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the only error text a caller ever sees. Details stay in logs.
func publicMessage(kind errors.Kind) string {
	switch kind {
	case errors.KindNotFound:
		return "not found"
	case errors.KindConflict:
		return "conflict"
	case errors.KindUnauthorized:
		return "unauthorized"
	case errors.KindInvalid:
		return "invalid request"
	default:
		return "internal error"
	}
}

// writeEngineError maps err to a status and a generic message.
// Internal errors are logged with their full chain.
func writeEngineError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	kind := errors.KindOf(err)
	if kind == errors.KindInternal {
		log.Errorw("Request failed", logger.FieldError, err)
	} else {
		log.Debugw("Request rejected", "kind", kind, logger.FieldError, err)
	}
	writeError(w, statusForKind(kind), publicMessage(kind))
}
