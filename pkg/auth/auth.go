package auth

import (
    "crypto/subtle"
    "errors"
    "strings"
)

var (
    // ErrMissingSecret indicates that the request did not carry a secret.
    ErrMissingSecret = errors.New("missing secret")
    // ErrInvalidSecret indicates the secret did not match the configured value.
    ErrInvalidSecret = errors.New("invalid secret")
    // ErrNotConfigured means the process has no expected secret to compare against.
    ErrNotConfigured = errors.New("shared secret not configured")
)

// Validate checks a request secret against the process-wide expected secret.
func Validate(expected, provided string) error {
    if expected == "" {
        return ErrNotConfigured
    }

    provided = strings.TrimSpace(provided)
    if provided == "" {
        return ErrMissingSecret
    }

    if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
        return ErrInvalidSecret
    }

    return nil
}
