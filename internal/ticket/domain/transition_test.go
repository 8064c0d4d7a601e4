package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name   string
		from   Status
		action Action
		priced bool
		want   Status
		ok     bool
	}{
		{"accept free open", StatusOpen, ActionAccept, false, StatusAccepted, true},
		{"accept priced open", StatusOpen, ActionAccept, true, StatusPaymentRequired, true},
		{"accept needs info", StatusNeedsInfo, ActionAccept, false, StatusAccepted, true},
		{"accept twice", StatusAccepted, ActionAccept, false, "", false},
		{"accept rejected", StatusRejected, ActionAccept, false, "", false},
		{"reject open", StatusOpen, ActionReject, false, StatusRejected, true},
		{"reject accepted", StatusAccepted, ActionReject, false, StatusRejected, true},
		{"reject paid", StatusPaid, ActionReject, true, "", false},
		{"needs info from open", StatusOpen, ActionNeedsInfo, false, StatusNeedsInfo, true},
		{"needs info from rejected", StatusRejected, ActionNeedsInfo, false, "", false},
		{"request payment accepted", StatusAccepted, ActionRequestPayment, false, StatusPaymentRequired, true},
		{"request payment again", StatusPaymentRequired, ActionRequestPayment, true, StatusPaymentRequired, true},
		{"request payment paid", StatusPaid, ActionRequestPayment, true, "", false},
		{"release payment", StatusPaymentRequired, ActionReleasePayment, true, StatusAccepted, true},
		{"release accepted", StatusAccepted, ActionReleasePayment, false, "", false},
		{"mark paid", StatusPaymentRequired, ActionMarkPaid, true, StatusPaid, true},
		{"mark paid open", StatusOpen, ActionMarkPaid, true, "", false},
		{"convert paid", StatusPaid, ActionConvert, true, StatusConverted, true},
		{"convert free accepted", StatusAccepted, ActionConvert, false, StatusConverted, true},
		{"convert free open", StatusOpen, ActionConvert, false, StatusConverted, true},
		{"convert priced accepted", StatusAccepted, ActionConvert, true, "", false},
		{"convert awaiting payment", StatusPaymentRequired, ActionConvert, true, "", false},
		{"convert needs info", StatusNeedsInfo, ActionConvert, false, "", false},
		{"convert converted", StatusConverted, ActionConvert, false, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.action, tt.priced)
			if !tt.ok {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionErrorCarriesCurrentStatus(t *testing.T) {
	_, err := Transition(StatusPaymentRequired, ActionConvert, true)

	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, "PAYMENT_REQUIRED", transitionErr.CurrentStatus())
	assert.Contains(t, err.Error(), "paid ticket must be marked paid before conversion")
}

func TestTransitionUnknownAction(t *testing.T) {
	_, err := Transition(StatusOpen, Action("archive"), false)
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusConverted.Terminal())
	assert.False(t, StatusPaid.Terminal())
}
