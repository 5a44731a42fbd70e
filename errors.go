package ddns

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/cloudflare-go"
)

var (
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrZoneNotFound        = errors.New("zone not found")
	ErrRecordHasNoContent  = errors.New("record has no content")
	ErrRequestExhausted    = errors.New("request attempts exhausted")
	ErrClientStatus        = errors.New("request rejected by provider")
	ErrAPIFailure          = errors.New("API response indicates failure")
	ErrPublicIPUnavailable = errors.New("public IP unavailable")
)

// RequestError is returned by [Transport.Do] when no attempt succeeded.
//
// It matches [ErrRequestExhausted] when every attempt was used up,
// or [ErrClientStatus] when the provider rejected the request outright.
type RequestError struct {
	Method     string
	URL        string
	Attempts   int
	StatusCode int // last status seen, 0 if no response was received
	kind       error
	Err        error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s: %s after %d attempt(s)", e.Method, e.URL, e.kind, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.Err}
}

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Messages   []cloudflare.ResponseInfo
}

func (e *StatusError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, formatMessages(e.Messages))
}

func formatMessages(infos []cloudflare.ResponseInfo) string {
	parts := make([]string, 0, len(infos))
	for _, i := range infos {
		parts = append(parts, fmt.Sprintf("%d %s", i.Code, i.Message))
	}
	return strings.Join(parts, "; ")
}
