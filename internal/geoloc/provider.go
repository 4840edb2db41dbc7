// Package geoloc acquires device locations from a pluggable platform
// provider and owns the acquisition state machine: quick fix, precise
// refinement, continuous watching, and precision-mode toggling.
package geoloc

import (
	"context"
	"fmt"
	"time"

	"github.com/rgustavsen/skycast/internal/models"
)

// ErrorCode categorizes provider failures, mirroring the platform
// geolocation error codes.
type ErrorCode int

const (
	CodeUnsupported         ErrorCode = 0
	CodePermissionDenied    ErrorCode = 1
	CodePositionUnavailable ErrorCode = 2
	CodeTimeout             ErrorCode = 3
)

// PositionError is a categorized provider failure.
type PositionError struct {
	Code    ErrorCode
	Message string
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("geolocation error %d: %s", e.Code, e.Message)
}

// Permission is the provider's permission state for location access.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
	PermissionUnknown Permission = "unknown"
)

// Options mirror the platform position-request options.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration // device-level timeout for one fix
	MaximumAge   time.Duration // acceptable age of a cached fix
}

// Watch is a handle for an active continuous position subscription.
// Clear is idempotent.
type Watch interface {
	Clear()
}

// Provider is the platform geolocation capability. CurrentPosition returns a
// single fix or a *PositionError; WatchPosition delivers fixes and errors to
// the callback until the context is cancelled or the watch is cleared. The
// callback is invoked serially.
type Provider interface {
	Supported() bool
	Permission(ctx context.Context) Permission
	CurrentPosition(ctx context.Context, opts Options) (models.Coordinates, error)
	WatchPosition(ctx context.Context, opts Options, fn func(models.Coordinates, *PositionError)) (Watch, error)
}
