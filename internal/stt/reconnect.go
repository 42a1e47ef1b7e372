package stt

import (
	"net/http"
	"time"
)

// ErrorKind classifies a failed provider dial for the reconnect policy.
type ErrorKind int

const (
	// KindTransient covers network hiccups and 5xx responses. Retried with
	// exponential backoff.
	KindTransient ErrorKind = iota

	// KindAuth covers 401/403. Retrying cannot help; the connection is
	// abandoned.
	KindAuth

	// KindRateLimited covers 429. Retried after a fixed cooldown.
	KindRateLimited
)

const (
	maxReconnectAttempts = 3
	backoffBase          = 2 * time.Second
	backoffCap           = 10 * time.Second
	rateLimitCooldown    = 10 * time.Second
)

// classifyDial maps a dial failure to an [ErrorKind] using the HTTP response
// of the rejected upgrade, when one exists.
func classifyDial(resp *http.Response) ErrorKind {
	if resp == nil {
		return KindTransient
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindTransient
	}
}

// reconnectDelay returns the wait before the given retry attempt (1-based),
// or ok=false when the policy says to give up.
func reconnectDelay(kind ErrorKind, attempt int) (time.Duration, bool) {
	if kind == KindAuth {
		return 0, false
	}
	if attempt > maxReconnectAttempts {
		return 0, false
	}
	if kind == KindRateLimited {
		return rateLimitCooldown, true
	}

	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	return d, true
}
