// Package backends holds the remote replica clients. Each backend is
// independent: a failure on one never blocks writes to the other.
package backends

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a backend failure for the reconciler's retry loop.
type Kind int

const (
	// Transient failures (network, 5xx) are retried with backoff.
	Transient Kind = iota
	// Conflict means the remote head moved past our checkpoint.
	Conflict
	// QuotaExceeded stops further writes to this backend for the run.
	QuotaExceeded
	// Unauthorized is a credential problem; retrying cannot help.
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	case QuotaExceeded:
		return "quota_exceeded"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is a classified backend failure.
type Error struct {
	Backend string
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, defaulting to Transient for
// unclassified errors so the retry loop stays conservative.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return Transient
}

// Retryable reports whether the reconciler should keep attempting after
// this failure.
func Retryable(err error) bool {
	switch KindOf(err) {
	case QuotaExceeded, Unauthorized:
		return false
	default:
		return true
	}
}

// Object is a stored series object as seen by a backend.
type Object struct {
	Path     string
	Revision string
	Body     []byte
}

// RemoteBackend is one replica target. Revisions are opaque tokens the
// backend derives from content, so an unchanged payload maps to an
// unchanged revision and re-runs become no-ops.
type RemoteBackend interface {
	// Name identifies the backend in checkpoints, logs and reports.
	Name() string
	// Head returns the current remote revision for a path, or "" if
	// the object does not exist there yet.
	Head(ctx context.Context, path string) (string, error)
	// Get retrieves the remote object, for conflict audit snapshots.
	Get(ctx context.Context, path string) (*Object, error)
	// Put writes the payload conditional on expectedPrior, the revision
	// the caller last observed ("" for a create), and returns the
	// revision the backend now holds. Backends that can enforce the
	// condition fail with Conflict when the remote moved past it;
	// content-addressed backends may ignore it.
	Put(ctx context.Context, path string, body []byte, expectedPrior string) (string, error)
}
