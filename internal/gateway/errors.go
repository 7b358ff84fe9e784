package gateway

import (
	"errors"
	"net/http"

	"github.com/filbeam/gateway/internal/car"
	"github.com/filbeam/gateway/internal/eligibility"
	"github.com/filbeam/gateway/internal/unixfs"
)

// requestError is a client-visible failure. Message is safe to send; the
// underlying cause, when present, is logged server-side only.
type requestError struct {
	status  int
	message string
	cause   error
}

func (e *requestError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.message
}

func badRequest(msg string) *requestError {
	return &requestError{status: http.StatusBadRequest, message: msg}
}

func notFound(msg string) *requestError {
	return &requestError{status: http.StatusNotFound, message: msg}
}

func internal(err error) *requestError {
	return &requestError{status: http.StatusInternalServerError, message: "internal server error", cause: err}
}

// classify maps pipeline failures onto the response taxonomy. Decoder and
// integrity faults are server errors; a wrong entry type inside a valid DAG
// is a plain not-found.
func classify(err error) *requestError {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var elig *eligibility.Error
	if errors.As(err, &elig) {
		status := http.StatusNotFound
		switch elig.Class {
		case eligibility.ClassPaymentRequired:
			status = http.StatusPaymentRequired
		case eligibility.ClassForbidden:
			status = http.StatusForbidden
		}
		return &requestError{status: status, message: elig.Reason}
	}

	var nf *unixfs.NotFoundError
	if errors.As(err, &nf) {
		return &requestError{status: http.StatusNotFound, message: nf.Error()}
	}

	var carDecode *car.DecodeError
	var carInvalid *car.ValidationError
	var fsDecode *unixfs.DecodeError
	if errors.As(err, &carDecode) || errors.As(err, &carInvalid) || errors.As(err, &fsDecode) {
		return &requestError{status: http.StatusInternalServerError, message: "failed to decode retrieved content", cause: err}
	}

	if errors.Is(err, errUpstream) {
		return &requestError{status: http.StatusBadGateway, message: "origin retrieval failed", cause: err}
	}

	return internal(err)
}

// errUpstream marks origin transport failures for classification.
var errUpstream = errors.New("upstream failure")
