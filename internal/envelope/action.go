package envelope

import (
	"fmt"
	"strings"
)

// Action is the fine-grained outcome carried in metadata.event.action. Every
// action has an fx twin prefixed with "fx-".
type Action string

const (
	ActionPrepare          Action = "prepare"
	ActionForwarded        Action = "forwarded"
	ActionReserve          Action = "reserve"
	ActionCommit           Action = "commit"
	ActionReject           Action = "reject"
	ActionAbort            Action = "abort"
	ActionAbortValidation  Action = "abort-validation"
	ActionAbortDuplicate   Action = "abort-duplicate"
	ActionReservedAborted  Action = "reserved-aborted"
	ActionPrepareDuplicate Action = "prepare-duplicate"
	ActionFulfilDuplicate  Action = "fulfil-duplicate"
	ActionTimeoutReceived  Action = "timeout-received"
	ActionTimeoutReserved  Action = "timeout-reserved"
	ActionGet              Action = "get"
	ActionNotify           Action = "notify"

	ActionFxPrepare          Action = "fx-prepare"
	ActionFxForwarded        Action = "fx-forwarded"
	ActionFxReserve          Action = "fx-reserve"
	ActionFxCommit           Action = "fx-commit"
	ActionFxReject           Action = "fx-reject"
	ActionFxAbort            Action = "fx-abort"
	ActionFxAbortValidation  Action = "fx-abort-validation"
	ActionFxAbortDuplicate   Action = "fx-abort-duplicate"
	ActionFxReservedAborted  Action = "fx-reserved-aborted"
	ActionFxPrepareDuplicate Action = "fx-prepare-duplicate"
	ActionFxFulfilDuplicate  Action = "fx-fulfil-duplicate"
	ActionFxTimeoutReceived  Action = "fx-timeout-received"
	ActionFxTimeoutReserved  Action = "fx-timeout-reserved"
	ActionFxGet              Action = "fx-get"
	ActionFxNotify           Action = "fx-notify"
)

const fxPrefix = "fx-"

var baseActions = []Action{
	ActionPrepare,
	ActionForwarded,
	ActionReserve,
	ActionCommit,
	ActionReject,
	ActionAbort,
	ActionAbortValidation,
	ActionAbortDuplicate,
	ActionReservedAborted,
	ActionPrepareDuplicate,
	ActionFulfilDuplicate,
	ActionTimeoutReceived,
	ActionTimeoutReserved,
	ActionGet,
	ActionNotify,
}

var knownActions = func() map[Action]struct{} {
	out := make(map[Action]struct{}, 2*len(baseActions))
	for _, a := range baseActions {
		out[a] = struct{}{}
		out[a.Fx()] = struct{}{}
	}
	return out
}()

// Actions returns every known action, base actions first followed by their fx
// twins.
func Actions() []Action {
	out := make([]Action, 0, 2*len(baseActions))
	out = append(out, baseActions...)
	for _, a := range baseActions {
		out = append(out, a.Fx())
	}
	return out
}

// ParseAction validates a raw action string.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", fmt.Errorf("envelope: unknown action %q", raw)
	}
	return a, nil
}

// Valid reports whether a is part of the closed action set.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// IsFx reports whether the action belongs to the fx-transfer family.
func (a Action) IsFx() bool {
	return strings.HasPrefix(string(a), fxPrefix)
}

// Base strips the fx prefix.
func (a Action) Base() Action {
	return Action(strings.TrimPrefix(string(a), fxPrefix))
}

// Fx returns the fx twin of the action.
func (a Action) Fx() Action {
	if a.IsFx() {
		return a
	}
	return Action(fxPrefix + string(a))
}

// ForFamily returns the base action or its fx twin depending on fx.
func (a Action) ForFamily(fx bool) Action {
	if fx {
		return a.Fx()
	}
	return a.Base()
}

func (a Action) String() string { return string(a) }

// Type is the coarse lifecycle stage of an event.
type Type string

const (
	TypePrepare      Type = "prepare"
	TypeFulfil       Type = "fulfil"
	TypeGet          Type = "get"
	TypeNotification Type = "notification"
)

// Status is the outcome flag carried in metadata.event.state.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)
