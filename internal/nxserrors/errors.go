// Package nxserrors provides the structured error taxonomy of spec.md §7:
// Validation, Decode, Processing, Capacity, Timeout and Infrastructure
// errors, each carrying the HTTP status (for synchronous failures at the
// Front Door) or the FAILED-result error string (for in-flight failures).
// Mirrors the teacher's infrastructure/errors package.
package nxserrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the error-kind taxonomy from spec.md §7.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindDecode         Kind = "decode"
	KindProcessing     Kind = "processing"
	KindCapacity       Kind = "capacity"
	KindTimeout        Kind = "timeout"
	KindInfrastructure Kind = "infrastructure"
)

// NxsError is a structured error carrying the kind, a message, the HTTP
// status to report synchronously (when applicable), and the wrapped cause.
type NxsError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Err        error
}

func (e *NxsError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *NxsError) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, status int, cause error) *NxsError {
	return &NxsError{Kind: kind, Message: msg, HTTPStatus: status, Err: cause}
}

// Validation reports a synchronous 4xx: malformed request, unknown
// pipeline, missing bs=1 profile entry. Never enters the queue.
func Validation(msg string) *NxsError {
	return newErr(KindValidation, msg, http.StatusBadRequest, nil)
}

// Decode reports a preprocess-stage input deserialization failure:
// "{model_uuid}: Failed to decode input '{name}'".
func Decode(modelUUID, inputName string, cause error) *NxsError {
	return newErr(KindDecode, fmt.Sprintf("%s: Failed to decode input '%s'", modelUUID, inputName), 0, cause)
}

// Processing reports a preprocess/postprocess/custom-model failure,
// carrying the raised exception's string.
func Processing(cause error) *NxsError {
	return newErr(KindProcessing, cause.Error(), 0, cause)
}

// CapacityNotReady reports the Front Door's synchronous failure when no
// backend currently hosts a required compository model.
func CapacityNotReady() *NxsError {
	return newErr(KindCapacity, "Model is not ready to serve", http.StatusServiceUnavailable, nil)
}

// RequestTimeout reports the Front Door's bounded-poll expiry.
func RequestTimeout() *NxsError {
	return newErr(KindTimeout, "Request timeout", http.StatusGatewayTimeout, nil)
}

// Infrastructure wraps a transient queue/store error after retries are
// exhausted.
func Infrastructure(cause error) *NxsError {
	return newErr(KindInfrastructure, "infrastructure error", http.StatusInternalServerError, cause)
}

// As unwraps err into an *NxsError if possible.
func As(err error) (*NxsError, bool) {
	var ne *NxsError
	ok := errors.As(err, &ne)
	return ne, ok
}
