package providers

import (
	"errors"
	"fmt"
)

// ErrUpstreamGeneration marks any failure of a lyric or audio provider call.
var ErrUpstreamGeneration = errors.New("upstream generation failed")

// UpstreamError carries provider detail for logs. Callers match it with errors.Is(err, ErrUpstreamGeneration).
type UpstreamError struct {
	Provider   string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamGeneration}
	}
	return []error{ErrUpstreamGeneration, e.Err}
}
