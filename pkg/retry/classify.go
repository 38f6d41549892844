// Package retry classifies tool errors into the kernel taxonomy and drives
// the registry-declared retry schedules.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aetherhq/aether/pkg/models"
)

// Classified wraps an error with a pre-assigned class, bypassing the
// fingerprint scan. Used for conditions detected by the kernel itself
// (budget, quota, policy, approval).
type Classified struct {
	Class models.ErrorClass
	Err   error
}

func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Class, c.Err)
}

func (c *Classified) Unwrap() error { return c.Err }

// Errorf builds a pre-classified error.
func Errorf(class models.ErrorClass, format string, args ...any) error {
	return &Classified{Class: class, Err: fmt.Errorf(format, args...)}
}

// Classify maps an error into the taxonomy. Pre-classified errors keep
// their class; context deadlines map to TIMEOUT; everything else is scanned
// for message fingerprints.
func Classify(err error) models.ErrorClass {
	if err == nil {
		return models.ErrorClassUnknown
	}
	var pre *Classified
	if errors.As(err, &pre) {
		return pre.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "auth"):
		return models.ErrorClassAuth
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission"):
		return models.ErrorClassPermission
	case strings.Contains(msg, "rate") || strings.Contains(msg, "429"):
		return models.ErrorClassRateLimit
	case strings.Contains(msg, "timeout"):
		return models.ErrorClassTimeout
	case strings.Contains(msg, "not found") || strings.Contains(msg, "404"):
		return models.ErrorClassNotFound
	case strings.Contains(msg, "conflict") || strings.Contains(msg, "409"):
		return models.ErrorClassConflict
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return models.ErrorClassValidation
	case strings.Contains(msg, "upstream") || strings.Contains(msg, "5xx"):
		return models.ErrorClassUpstream
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return models.ErrorClassTransient
	}
	return models.ErrorClassUnknown
}
