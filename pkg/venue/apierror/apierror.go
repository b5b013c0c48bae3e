/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apierror defines the error kinds the portal reports to clients
// and their HTTP status codes.
package apierror

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error for clients. The string value is sent on the wire.
type Kind string

const (
	AccessDenied                 Kind = "AccessDenied"
	MissingFields                Kind = "MissingFields"
	InvalidNonce                 Kind = "InvalidNonce"
	StorageError                 Kind = "StorageError"
	UpstreamUnavailable          Kind = "UpstreamUnavailable"
	UpstreamRejected             Kind = "UpstreamRejected"
	SignatureVerificationFailure Kind = "SignatureVerificationFailure"
	NotFound                     Kind = "NotFound"
	Internal                     Kind = "Internal"
)

// Error is an error with a Kind. Message is safe to show to clients; Err is
// the underlying cause and is only logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of kind with a message and no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of kind with err as its cause. It returns nil if err
// is nil.
func Wrap(err error, kind Kind, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the outermost Error in err's chain, or Internal
// if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the client-facing message of the outermost Error in
// err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return http.StatusText(http.StatusInternalServerError)
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case AccessDenied:
		return http.StatusForbidden
	case MissingFields, InvalidNonce:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamRejected:
		return http.StatusBadGateway
	case SignatureVerificationFailure:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
