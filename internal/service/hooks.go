package service

import (
	"context"
	"errors"

	"github.com/imrishuroy/lumiere-orderflow/internal/notify"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

// Hook sends one customer notification after an order reaches Status.
type Hook struct {
	Status orders.Status
	Kind   orders.NotificationKind
	Notify func(ctx context.Context, o *orders.Order) (bool, error)
}

// NotificationHooks binds the confirmation and ready messages to g.
func NotificationHooks(g notify.Gateway) []Hook {
	return []Hook{
		{Status: orders.StatusConfirmed, Kind: orders.NotificationConfirmation, Notify: g.NotifyConfirmed},
		{Status: orders.StatusReady, Kind: orders.NotificationReady, Notify: g.NotifyReady},
	}
}

// fire starts the hooks registered for o's current status. Each hook gets its
// own copy of the order and runs detached from the request.
func (s *Service) fire(o *orders.Order) {
	for _, h := range s.hooks {
		if h.Status != o.Status || o.Notifications.Sent(h.Kind) {
			continue
		}
		snapshot := *o
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.runHook(h, &snapshot)
		}()
	}
}

func (s *Service) runHook(h Hook, o *orders.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("notification hook panicked", "order_number", o.OrderNumber, "kind", h.Kind, "panic", r)
		}
	}()

	delivered, err := h.Notify(ctx, o)
	if err != nil || !delivered {
		s.log.WarnContext(ctx, "notification failed", "order_number", o.OrderNumber, "kind", h.Kind, "error", err)
		s.incr(ctx, "notification_failures", map[string]string{"kind": string(h.Kind)})
		return
	}

	err = s.store.MarkNotificationSent(ctx, o.ID, h.Kind, s.now())
	switch {
	case errors.Is(err, orders.ErrNotificationAlreadySent):
		s.log.DebugContext(ctx, "notification flag already set", "order_number", o.OrderNumber, "kind", h.Kind)
	case err != nil:
		s.log.WarnContext(ctx, "notification flag not recorded", "order_number", o.OrderNumber, "kind", h.Kind, "error", err)
	default:
		s.log.InfoContext(ctx, "notification sent", "order_number", o.OrderNumber, "kind", h.Kind)
	}
}

// Wait blocks until every in-flight hook has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}
