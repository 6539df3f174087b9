package provision

import (
	"errors"
	"fmt"

	"github.com/dropguard/dropguard/pkg/cloud"
	sshx "github.com/dropguard/dropguard/pkg/transports/ssh"
)

// Kind classifies a provisioning failure.
type Kind string

const (
	// KindAuth is rejected credentials, against the provider API or the
	// shell service. Fatal.
	KindAuth Kind = "auth"

	// KindQuota is the provider rejecting the spec as unavailable or
	// over-limit. Fatal.
	KindQuota Kind = "quota"

	// KindNotFound is a missing resource or remote artifact. Fatal.
	KindNotFound Kind = "not_found"

	// KindTransient is a network/5xx/refused failure. Retried within the
	// owning stage's budget; fatal once the budget is exhausted.
	KindTransient Kind = "transient"

	// KindProvider is the resource itself reporting a server-side
	// allocation failure. Fatal.
	KindProvider Kind = "provider"

	// KindTimeout is a stage exceeding its wall-clock ceiling.
	KindTimeout Kind = "timeout"

	// KindCancelled is an operator interrupt observed during the run.
	KindCancelled Kind = "cancelled"

	// KindTemplate is a boot payload template missing its placeholder.
	KindTemplate Kind = "template"

	// KindIO is a local write failure or an empty retrieved artifact.
	KindIO Kind = "io"
)

// Error is the run's terminal failure record: the stage reached, the failure
// classification, and the dangling resource identifier when a resource was
// created but not torn down.
type Error struct {
	// Stage is the state machine stage the failure occurred in.
	Stage Stage

	// Kind is the failure classification.
	Kind Kind

	// ResourceID identifies a resource that was created and is still
	// allocated; the operator must deallocate it manually.
	ResourceID string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provisioning failed at %s: %s", e.Stage, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.ResourceID != "" {
		msg += fmt.Sprintf(" (resource %s left allocated, delete it manually)", e.ResourceID)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can compare against &Error{Kind: ...}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Stage == "" || e.Stage == t.Stage)
}

func failureKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTimeout reports whether err is a stage wait-ceiling failure.
func IsTimeout(err error) bool {
	k, ok := failureKind(err)
	return ok && k == KindTimeout
}

// IsCancelled reports whether err is an operator interrupt.
func IsCancelled(err error) bool {
	k, ok := failureKind(err)
	return ok && k == KindCancelled
}

// DanglingResource returns the identifier of a resource left allocated by a
// failed run, if any.
func DanglingResource(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.ResourceID != "" {
		return e.ResourceID, true
	}
	return "", false
}

// kindFromCloud maps a classified provider API failure onto the run taxonomy.
func kindFromCloud(err error) Kind {
	switch {
	case cloud.IsAuth(err):
		return KindAuth
	case cloud.IsQuota(err):
		return KindQuota
	case cloud.IsNotFound(err):
		return KindNotFound
	default:
		return KindTransient
	}
}

// kindFromTransport maps a classified shell failure onto the run taxonomy.
func kindFromTransport(err error) Kind {
	var terr *sshx.TransportError
	if !errors.As(err, &terr) {
		return KindTransient
	}
	switch {
	case terr.IsAuthError:
		return KindAuth
	case terr.IsNotFound:
		return KindNotFound
	case terr.IsTemporary:
		return KindTransient
	default:
		return KindIO
	}
}
