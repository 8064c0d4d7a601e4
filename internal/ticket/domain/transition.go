package domain

import (
	"errors"
	"fmt"
)

type Action string

const (
	ActionAccept         Action = "accept"
	ActionReject         Action = "reject"
	ActionNeedsInfo      Action = "needs_info"
	ActionRequestPayment Action = "request_payment"
	ActionReleasePayment Action = "release_payment"
	ActionMarkPaid       Action = "mark_paid"
	ActionConvert        Action = "convert"
)

var (
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrUnknownAction     = errors.New("unknown_action")
)

// TransitionError reports a guard violation against the persisted status.
type TransitionError struct {
	Current Status
	Action  Action
	Reason  string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s ticket in status %s: %s", e.Action, e.Current, e.Reason)
	}
	return fmt.Sprintf("cannot %s ticket in status %s", e.Action, e.Current)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CurrentStatus lets transports surface the actual status without importing this package.
func (e *TransitionError) CurrentStatus() string {
	return string(e.Current)
}

const reasonUnpaid = "paid ticket must be marked paid before conversion"

// Transition computes the status reached by applying action to a ticket in
// status from. priced tells whether the ticket carries a positive price.
func Transition(from Status, action Action, priced bool) (Status, error) {
	deny := func(reason string) (Status, error) {
		return "", &TransitionError{Current: from, Action: action, Reason: reason}
	}

	switch action {
	case ActionAccept:
		switch from {
		case StatusOpen, StatusNeedsInfo:
			if priced {
				return StatusPaymentRequired, nil
			}
			return StatusAccepted, nil
		}
	case ActionReject:
		switch from {
		case StatusOpen, StatusNeedsInfo, StatusAccepted:
			return StatusRejected, nil
		}
	case ActionNeedsInfo:
		switch from {
		case StatusOpen, StatusAccepted:
			return StatusNeedsInfo, nil
		}
	case ActionRequestPayment:
		switch from {
		case StatusOpen, StatusNeedsInfo, StatusAccepted, StatusPaymentRequired:
			return StatusPaymentRequired, nil
		}
	case ActionReleasePayment:
		if from == StatusPaymentRequired {
			return StatusAccepted, nil
		}
	case ActionMarkPaid:
		if from == StatusPaymentRequired {
			return StatusPaid, nil
		}
	case ActionConvert:
		switch from {
		case StatusPaid:
			return StatusConverted, nil
		case StatusAccepted, StatusOpen:
			// OPEN is legacy permissiveness; the price guard is what matters.
			if priced {
				return deny(reasonUnpaid)
			}
			return StatusConverted, nil
		case StatusPaymentRequired:
			return deny(reasonUnpaid)
		}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return deny("")
}
