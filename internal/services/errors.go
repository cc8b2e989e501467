package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrorKind values classify sync-time failures. They drive retry policy,
// breaker input, and the user-visible "last sync failed: <kind>" surface.
const (
	ErrKindTransient   = "transient_provider"
	ErrKindRateLimited = "rate_limited"
	ErrKindAuthExpired = "auth_expired"
	ErrKindFatalConfig = "fatal_config"
	ErrKindTimeout     = "timeout"
)

// SyncError is the classified form of any error crossing the orchestrator
// boundary. Raw provider errors never leak past it.
type SyncError struct {
	Kind       string
	RetryAfter time.Duration // provider-specified delay for rate limits
	Err        error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the transport should redeliver the job
func (e *SyncError) Retryable() bool {
	switch e.Kind {
	case ErrKindTransient, ErrKindRateLimited, ErrKindTimeout:
		return true
	default:
		return false
	}
}

// Classify converts an arbitrary provider/auth error into a SyncError
func Classify(err error) *SyncError {
	if err == nil {
		return nil
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &SyncError{Kind: ErrKindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &SyncError{Kind: ErrKindTimeout, Err: err}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// invalid_grant means the refresh token is revoked or expired;
		// only the user reconnecting can fix that.
		if retrieveErr.ErrorCode == "invalid_grant" {
			return &SyncError{Kind: ErrKindFatalConfig, Err: err}
		}
		return &SyncError{Kind: ErrKindAuthExpired, Err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return &SyncError{Kind: ErrKindAuthExpired, Err: err}
		case apiErr.Code == 429:
			return &SyncError{Kind: ErrKindRateLimited, RetryAfter: retryAfterOf(apiErr), Err: err}
		case apiErr.Code == 403:
			for _, item := range apiErr.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
					return &SyncError{Kind: ErrKindRateLimited, RetryAfter: retryAfterOf(apiErr), Err: err}
				}
			}
			return &SyncError{Kind: ErrKindFatalConfig, Err: err}
		case apiErr.Code >= 500:
			return &SyncError{Kind: ErrKindTransient, Err: err}
		default:
			return &SyncError{Kind: ErrKindTransient, Err: err}
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &SyncError{Kind: ErrKindTimeout, Err: err}
		}
		return &SyncError{Kind: ErrKindTransient, Err: err}
	}

	return &SyncError{Kind: ErrKindTransient, Err: err}
}

// retryAfterOf extracts a provider-specified retry delay from the response
func retryAfterOf(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header == nil {
		return 0
	}
	if v := apiErr.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// IsSyncTokenExpired reports whether the provider rejected an incremental
// cursor as too old (HTTP 410). The caller clears the cursor and falls
// back to a full sync.
func IsSyncTokenExpired(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 410
}
