package geoloc

import (
	"context"
	"errors"
	"time"
)

// Diagnostic is the result of a best-effort capability probe run before a
// tracking session starts.
type Diagnostic struct {
	Supported  bool
	Permission Permission
	TestOK     bool
	TestError  *PositionError
}

// RunDiagnostic checks provider support, queries the permission state, and
// attempts one bounded low-accuracy test fix. It never returns an error:
// failures are reported in the result for the caller to interpret.
func RunDiagnostic(ctx context.Context, p Provider, timeout time.Duration) Diagnostic {
	d := Diagnostic{Supported: p.Supported(), Permission: PermissionUnknown}
	if !d.Supported {
		return d
	}

	d.Permission = p.Permission(ctx)
	if d.Permission == PermissionDenied {
		return d
	}

	// Application-level race timeout on top of the device-level one: the
	// first to elapse wins and the loser's result is discarded.
	testCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := p.CurrentPosition(testCtx, Options{HighAccuracy: false, Timeout: timeout})
	if err == nil {
		d.TestOK = true
		return d
	}

	var perr *PositionError
	if errors.As(err, &perr) {
		d.TestError = perr
	} else if errors.Is(err, context.DeadlineExceeded) {
		d.TestError = &PositionError{Code: CodeTimeout, Message: "test fix timed out"}
	} else {
		d.TestError = &PositionError{Code: CodePositionUnavailable, Message: err.Error()}
	}
	return d
}
