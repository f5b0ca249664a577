package gather

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNoData is returned by adapter internals when an upstream answered
// successfully but had nothing for the request. It is mapped to StatusEmpty
// and never leaves an adapter as an error.
var ErrNoData = errors.New("no data")

// snippetLimit caps the raw payload kept on a ParseError.
const snippetLimit = 200

// TransportError is a network-level failure: timeout, DNS, refused
// connection or a non-2xx status once the retry budget is spent.
type TransportError struct {
	Source string
	URL    string
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: GET %s: status %d", e.Source, e.URL, e.Status)
	}
	return fmt.Sprintf("%s: GET %s: %v", e.Source, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed. Client errors other
// than 429 are not retried.
func (e *TransportError) Retryable() bool {
	return e.Status == 0 || e.Status == 429 || e.Status >= 500
}

// ParseError reports a response whose shape could not be understood. Snippet
// holds the head of the raw payload for diagnosis.
type ParseError struct {
	Source  string
	Snippet string
	Err     error
}

// NewParseError builds a ParseError, truncating the payload snippet.
func NewParseError(source string, body []byte, err error) *ParseError {
	s := string(body)
	if len(s) > snippetLimit {
		n := snippetLimit
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return &ParseError{Source: source, Snippet: s, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
