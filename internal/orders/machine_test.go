package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
)

func newConfirmed(t *testing.T) *Order {
	t.Helper()
	o, err := New("id-1", "LUM-20250610-0001", testDraft(), nobody, fixedNow)
	require.NoError(t, err)
	return o
}

func guardOf(t *testing.T, err error) interface{} {
	t.Helper()
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	return ae.Context["guard"]
}

func TestTransition_HappyPath(t *testing.T) {
	o := newConfirmed(t)
	t1 := fixedNow.Add(time.Hour)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)

	require.NoError(t, o.Transition(StatusInProgress, chef, t1))
	require.NotNil(t, o.Fulfillment.StartedAt)
	assert.True(t, o.Fulfillment.StartedAt.Equal(t1))

	require.NoError(t, o.Transition(StatusReady, chef, t2))
	assert.True(t, o.Fulfillment.CompletedAt.Equal(t2))
	assert.Equal(t, "u-chef", o.Fulfillment.CompletedBy)

	require.NoError(t, o.Transition(StatusPickedUp, barista, t3))
	assert.True(t, o.Pickup.PickedUpAt.Equal(t3))
	assert.Equal(t, "u-barista", o.Pickup.HandledBy)
	assert.Equal(t, StatusPickedUp, o.Status)
	assert.True(t, o.UpdatedAt.Equal(t3))
}

func TestTransition_StartedAtSetOnce(t *testing.T) {
	o := newConfirmed(t)
	earlier := fixedNow.Add(-time.Hour)
	o.Fulfillment.StartedAt = &earlier

	require.NoError(t, o.Transition(StatusInProgress, admin, fixedNow))
	assert.True(t, o.Fulfillment.StartedAt.Equal(earlier))
}

func TestTransition_IllegalState(t *testing.T) {
	o := newConfirmed(t)

	err := o.Transition(StatusPickedUp, barista, fixedNow)
	require.ErrorIs(t, err, apperr.ErrIllegalTransition)
	assert.Equal(t, "state", guardOf(t, err))
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.Nil(t, o.Pickup.PickedUpAt)

	err = o.Transition(StatusPending, admin, fixedNow)
	assert.ErrorIs(t, err, apperr.ErrIllegalTransition)
}

func TestTransition_Capability(t *testing.T) {
	o := newConfirmed(t)

	err := o.Transition(StatusInProgress, barista, fixedNow)
	require.ErrorIs(t, err, apperr.ErrIllegalTransition)
	assert.Equal(t, "capability", guardOf(t, err))
	assert.Equal(t, 403, apperr.HTTPStatus(err))

	err = o.Transition(StatusCancelled, chef, fixedNow)
	assert.Equal(t, "capability", guardOf(t, err))

	err = o.Transition(StatusInProgress, nobody, fixedNow)
	assert.Equal(t, "capability", guardOf(t, err))
	assert.Equal(t, StatusConfirmed, o.Status)
}

func TestTransition_InvalidStatus(t *testing.T) {
	o := newConfirmed(t)
	err := o.Transition(Status("baking"), admin, fixedNow)
	assert.ErrorIs(t, err, apperr.ErrInvalidStatus)
}

func TestTransition_TerminalStates(t *testing.T) {
	for _, terminal := range []Status{StatusPickedUp, StatusCancelled} {
		for _, target := range allStatuses {
			o := newConfirmed(t)
			o.Status = terminal
			err := o.Transition(target, admin, fixedNow)
			assert.Error(t, err, "%s -> %s", terminal, target)
			assert.Equal(t, terminal, o.Status)
		}
	}
}

func TestTransition_Table(t *testing.T) {
	allowed := map[[2]Status][]Role{
		{StatusPending, StatusConfirmed}:    {RoleAdmin},
		{StatusConfirmed, StatusInProgress}: {RolePastryChef, RoleAdmin},
		{StatusInProgress, StatusReady}:     {RolePastryChef, RoleAdmin},
		{StatusReady, StatusPickedUp}:       {RoleBarista, RoleAdmin},
		{StatusPending, StatusCancelled}:    {RoleAdmin},
		{StatusConfirmed, StatusCancelled}:  {RoleAdmin},
		{StatusInProgress, StatusCancelled}: {RoleAdmin},
		{StatusReady, StatusCancelled}:      {RoleAdmin},
	}
	roles := []Role{RoleAdmin, RolePastryChef, RoleBarista}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			for _, r := range roles {
				want := false
				for _, ok := range allowed[[2]Status{from, to}] {
					if ok == r {
						want = true
					}
				}
				actor := Actor{ID: "u", Role: r}
				assert.Equal(t, want, CanTransition(from, to, actor), "%s -> %s as %s", from, to, r)

				o := newConfirmed(t)
				o.Status = from
				err := o.Transition(to, actor, fixedNow)
				assert.Equal(t, want, err == nil, "%s -> %s as %s: %v", from, to, r, err)
			}
		}
	}
}

func TestMarkPaid(t *testing.T) {
	o := newConfirmed(t)

	err := o.MarkPaid(PaymentCard, chef, fixedNow)
	assert.Equal(t, "capability", guardOf(t, err))

	err = o.MarkPaid(PaymentPending, barista, fixedNow)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	require.NoError(t, o.MarkPaid(PaymentCard, barista, fixedNow))
	assert.True(t, o.IsPaid)
	assert.Equal(t, PaymentCard, o.PaymentMethod)
	require.NotNil(t, o.PaidAt)

	err = o.MarkPaid(PaymentCash, admin, fixedNow.Add(time.Minute))
	assert.ErrorIs(t, err, apperr.ErrAlreadyPaid)
	assert.Equal(t, PaymentCard, o.PaymentMethod)
	assert.True(t, o.PaidAt.Equal(fixedNow))
}

func TestMarkPaid_DoesNotChangeStatus(t *testing.T) {
	o := newConfirmed(t)
	require.NoError(t, o.MarkPaid(PaymentCash, admin, fixedNow))
	assert.Equal(t, StatusConfirmed, o.Status)
}
