package export

import (
	"context"
	"errors"
	"fmt"
)

// Category distinguishes export failures for callers
type Category string

const (
	CategoryAssetUnavailable Category = "asset-unavailable"
	CategoryExportFailed     Category = "export-failed"
	CategoryCancelled        Category = "cancelled"
)

// ErrCancelled matches any cancelled export through errors.Is.
var ErrCancelled = errors.New("export cancelled")

// Error is the terminal error of an export job.
type Error struct {
	Category Category
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == ErrCancelled && e.Category == CategoryCancelled
}

// CategoryOf returns the category of an export error, or "" for other errors.
func CategoryOf(err error) Category {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// AssetError reports an asset that could not be decoded within the retry budget.
type AssetError struct {
	AssetID  string
	ClipID   string
	Time     float64
	Attempts int
	Err      error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset %q (clip %q) unavailable at %.3fs after %d attempt(s): %v",
		e.AssetID, e.ClipID, e.Time, e.Attempts, e.Err)
}

func (e *AssetError) Unwrap() error { return e.Err }

// classify turns a pipeline error into the job's terminal error.
func classify(ctx context.Context, stage string, err error) *Error {
	var ee *Error
	if errors.As(err, &ee) {
		return ee
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return &Error{Category: CategoryCancelled, Reason: "export cancelled during " + stage, Err: ctx.Err()}
	}
	var ae *AssetError
	if errors.As(err, &ae) {
		return &Error{Category: CategoryAssetUnavailable, Reason: stage + " failed", Err: err}
	}
	return &Error{Category: CategoryExportFailed, Reason: stage + " failed", Err: err}
}
