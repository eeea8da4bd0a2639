package common

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the stream, REST and trading layers.
var (
	// ErrConnection is transient and triggers a reconnect with backoff.
	ErrConnection = errors.New("connection error")
	// ErrStreamExhausted means a stream used up its reconnect attempts and was abandoned.
	ErrStreamExhausted = errors.New("stream reconnect attempts exhausted")
	// ErrOrderRejected is an exchange-side rejection; callers roll back and never retry automatically.
	ErrOrderRejected = errors.New("order rejected")
	// ErrRateLimitInternal is a limiter bookkeeping failure; the limiter keeps operating.
	ErrRateLimitInternal = errors.New("rate limiter internal error")
	// ErrMalformedMessage is a decode failure on a stream payload; the message is dropped.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrCredentialsMissing is returned by private calls when no key/secret is configured.
	ErrCredentialsMissing = errors.New("api key/secret required")
)

// APIError is the error body Binance returns on 4xx/5xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: status=%d code=%d msg=%s", e.StatusCode, e.Code, e.Msg)
}

// IsClientError reports whether the exchange refused the request itself (4xx other than 429/418),
// as opposed to a throttling or server-side failure.
func (e *APIError) IsClientError() bool {
	if e.StatusCode == 429 || e.StatusCode == 418 {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}
