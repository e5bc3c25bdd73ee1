package orders

import (
	"time"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
)

type transition struct {
	from  Status
	to    Status
	roles []Role
}

// transitions is the complete lifecycle table. Anything not listed is refused.
var transitions = []transition{
	{StatusPending, StatusConfirmed, []Role{RoleAdmin}},
	{StatusConfirmed, StatusInProgress, []Role{RolePastryChef, RoleAdmin}},
	{StatusInProgress, StatusReady, []Role{RolePastryChef, RoleAdmin}},
	{StatusReady, StatusPickedUp, []Role{RoleBarista, RoleAdmin}},
	{StatusPending, StatusCancelled, []Role{RoleAdmin}},
	{StatusConfirmed, StatusCancelled, []Role{RoleAdmin}},
	{StatusInProgress, StatusCancelled, []Role{RoleAdmin}},
	{StatusReady, StatusCancelled, []Role{RoleAdmin}},
}

func lookupTransition(from, to Status) (transition, bool) {
	for _, t := range transitions {
		if t.from == from && t.to == to {
			return t, true
		}
	}
	return transition{}, false
}

// CanTransition reports whether actor may move an order from one status to
// another.
func CanTransition(from, to Status, actor Actor) bool {
	t, ok := lookupTransition(from, to)
	return ok && actor.HasAny(t.roles...)
}

func illegal(guard, format string, args ...interface{}) error {
	return apperr.New(apperr.KindIllegalTransition, format, args...).WithContext("guard", guard)
}

// Transition moves the order to status to on behalf of actor and stamps the
// progress fields that belong to the target status. The order is left
// untouched when an error is returned.
func (o *Order) Transition(to Status, actor Actor, now time.Time) error {
	if _, err := ParseStatus(string(to)); err != nil {
		return err
	}
	t, ok := lookupTransition(o.Status, to)
	if !ok {
		return illegal("state", "cannot move order from %s to %s", o.Status, to)
	}
	if !actor.HasAny(t.roles...) {
		return illegal("capability", "role %q may not move an order to %s", actor.Role, to)
	}

	now = now.UTC()
	switch to {
	case StatusInProgress:
		if o.Fulfillment.StartedAt == nil {
			o.Fulfillment.StartedAt = &now
		}
	case StatusReady:
		o.Fulfillment.CompletedAt = &now
		o.Fulfillment.CompletedBy = actor.ID
	case StatusPickedUp:
		o.Pickup.PickedUpAt = &now
		o.Pickup.HandledBy = actor.ID
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// MarkPaid records payment at the counter.
func (o *Order) MarkPaid(method PaymentMethod, actor Actor, now time.Time) error {
	if !actor.HasAny(RoleBarista, RoleAdmin) {
		return illegal("capability", "role %q may not record payments", actor.Role)
	}
	if method != PaymentCash && method != PaymentCard {
		return apperr.New(apperr.KindValidation, "invalid payment method %q", method)
	}
	if o.IsPaid {
		return apperr.New(apperr.KindAlreadyPaid, "order %s is already paid", o.OrderNumber)
	}

	now = now.UTC()
	o.IsPaid = true
	o.PaidAt = &now
	o.PaymentMethod = method
	o.UpdatedAt = now
	return nil
}
