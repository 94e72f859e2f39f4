// Package regerr defines the errors surfaced by registry clients and the
// manifest codecs. Callers match on them with errors.As.
package regerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// maxBody caps how much of an error response body is kept on an error
const maxBody = 4096

// ErrorDescriptor is one entry of the 'errors' array that a distribution server
// returns in the body of a failed request.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// ErrorResponse is the body of a failed request
type ErrorResponse struct {
	Errors []ErrorDescriptor `json:"errors"`
}

// TransportError means no response could be obtained: connection refused, DNS,
// TLS handshake, timeout, etc.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is an unexpected non-2xx status.
type ProtocolError struct {
	Method     string
	URL        string
	StatusCode int
	Errors     []ErrorDescriptor
	Body       string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	if len(e.Errors) != 0 {
		return msg + ": " + describe(e.Errors)
	}
	if e.Body != "" {
		return msg + ": " + e.Body
	}
	return msg
}

// AuthError means the server challenged the request but the client could
// not satisfy the challenge.
type AuthError struct {
	Realm      string
	StatusCode int
	Body       string
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	var sb strings.Builder
	sb.WriteString("authentication failed")
	if e.Realm != "" {
		sb.WriteString(" against " + e.Realm)
	}
	if e.Reason != "" {
		sb.WriteString(": " + e.Reason)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		sb.WriteString(": " + e.Err.Error())
	}
	return sb.String()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NotFoundError is a 404 on a named repository, manifest, or blob.
type NotFoundError struct {
	Repository string
	Reference  string
	Errors     []ErrorDescriptor
}

func (e *NotFoundError) Error() string {
	name := e.Repository
	if e.Reference != "" {
		name += ":" + e.Reference
	}
	if len(e.Errors) != 0 {
		return fmt.Sprintf("not found: %s: %s", name, describe(e.Errors))
	}
	return "not found: " + name
}

// SchemaError is a manifest that is missing a required field or has an
// unsupported schema version.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("manifest schema error: missing required field %q", e.Field)
	}
	return fmt.Sprintf("manifest schema error: field %q: %s", e.Field, e.Reason)
}

// Missing returns a SchemaError for an absent required field.
func Missing(field string) *SchemaError {
	return &SchemaError{Field: field}
}

// IsNotFound returns true if the passed error is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ParseErrors decodes the distribution error body. If the body is not in
// the expected form, nil is returned.
func ParseErrors(body []byte) []ErrorDescriptor {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	return resp.Errors
}

// NewProtocolError builds a ProtocolError from a failed response, parsing the
// error body if it is in the distribution form.
func NewProtocolError(method, url string, status int, body []byte) *ProtocolError {
	return &ProtocolError{
		Method:     method,
		URL:        url,
		StatusCode: status,
		Errors:     ParseErrors(body),
		Body:       Truncate(body),
	}
}

// Truncate returns the passed body as a string limited to a size that is
// reasonable to carry on an error.
func Truncate(body []byte) string {
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return strings.TrimSpace(string(body))
}

func describe(errs []ErrorDescriptor) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Code, e.Message))
	}
	return strings.Join(parts, "; ")
}
