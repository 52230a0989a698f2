package service

import (
	"errors"
	"fmt"

	"github.com/mmynk/pacegroup/internal/calculator"
	"github.com/mmynk/pacegroup/internal/storage"
)

var (
	// ErrNotFound means the group does not exist or has been torn down.
	ErrNotFound = errors.New("group not found")

	// ErrGroupFull means the group already has the maximum number of
	// members.
	ErrGroupFull = errors.New("group is full")

	// ErrTransactionAborted wraps every abort decided by an update
	// function, including ErrGroupFull and ErrNotFound.
	ErrTransactionAborted = storage.ErrAborted

	// ErrStoreFailure wraps store errors that persisted through the
	// transient retry policy.
	ErrStoreFailure = errors.New("store failure")

	// ErrCreateFailed and ErrJoinFailed mark a create or join whose
	// multi-step write did not complete. See PartialFailureError.
	ErrCreateFailed = errors.New("group creation failed")
	ErrJoinFailed   = errors.New("group join failed")

	// ErrAggregateUpdateFailed means the member's speed was stored but the
	// group total was not updated. The next submission corrects it.
	ErrAggregateUpdateFailed = errors.New("aggregate update failed")

	// ErrSubscription means a group subscription died. Callers reopen.
	ErrSubscription = errors.New("subscription failed")

	// ErrAlreadyMember means the identity already belongs to another group.
	ErrAlreadyMember = errors.New("already a member of another group")

	// ErrNotMember means the identity belongs to no group.
	ErrNotMember = errors.New("not a member of any group")

	// ErrInvalidSpeed is returned for speeds that fail validation.
	ErrInvalidSpeed = calculator.ErrInvalidSpeed

	// ErrInvalidArgument is returned for malformed identities and group
	// IDs.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Stages of a create or join at which a PartialFailureError can occur.
const (
	StageGroupWrite    = "group"
	StageMembers       = "members"
	StagePointerActive = "pointer"
)

// PartialFailureError reports a create or join that committed some of its
// writes. Kind is ErrCreateFailed or ErrJoinFailed. Compensated reports
// whether the committed writes were undone; when false the identity's
// pointer is left in the joining state and Reconcile resolves it.
type PartialFailureError struct {
	Kind        error
	GroupID     string
	Stage       string
	Compensated bool
	Err         error
}

func (e *PartialFailureError) Error() string {
	state := "not compensated"
	if e.Compensated {
		state = "compensated"
	}
	return fmt.Sprintf("%v: group %s at %s stage (%s): %v", e.Kind, e.GroupID, e.Stage, state, e.Err)
}

func (e *PartialFailureError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// UserMessage returns the text shown to an end user for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGroupFull):
		return "Group is full, cannot join"
	case errors.Is(err, ErrNotFound):
		return "Group does not exist"
	case errors.Is(err, ErrAlreadyMember):
		return "You are already in a group. Leave it first."
	case errors.Is(err, ErrNotMember):
		return "You are not in a group"
	case errors.Is(err, ErrInvalidSpeed):
		return "Speed reading was rejected"
	case errors.Is(err, ErrCreateFailed):
		return "Could not create the group. Try again."
	case errors.Is(err, ErrJoinFailed):
		return "Could not join the group. Try again."
	case errors.Is(err, ErrSubscription):
		return "Lost connection to the group"
	default:
		return "Something went wrong. Try again."
	}
}
