package orders

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
)

// Draft carries everything needed to open a new order. Lines must already be
// resolved against the catalog.
type Draft struct {
	Customer   Customer
	Lines      []Line
	PickupDate time.Time
	PickupTime string
	Source     Source
	Notes      string
}

// New builds a confirmed, unpaid order from d. The caller supplies the id and
// order number so that retries after a number collision keep the same id.
func New(id, number string, d Draft, actor Actor, now time.Time) (*Order, error) {
	cust := Customer{
		FullName: strings.TrimSpace(d.Customer.FullName),
		Email:    strings.ToLower(strings.TrimSpace(d.Customer.Email)),
		Phone:    strings.TrimSpace(d.Customer.Phone),
	}
	if cust.FullName == "" || cust.Email == "" || cust.Phone == "" {
		return nil, apperr.New(apperr.KindValidation, "customer name, email and phone are required")
	}

	switch d.Source {
	case SourceWebsite:
	case SourceInPerson:
		if !actor.HasAny(RoleBarista, RoleAdmin) {
			return nil, illegal("capability", "in-person orders must be entered by staff")
		}
	default:
		return nil, apperr.New(apperr.KindValidation, "invalid order source %q", d.Source)
	}

	if len(d.Lines) == 0 {
		return nil, apperr.New(apperr.KindValidation, "order must contain at least one item")
	}
	lines := make([]Line, 0, len(d.Lines))
	for i, l := range d.Lines {
		if l.Quantity < 1 {
			return nil, apperr.New(apperr.KindValidation, "item %d: quantity must be at least 1", i)
		}
		if l.ProductCategory == CategoryCakes {
			if utf8.RuneCountInString(l.CustomMessage) > MaxCustomMessage {
				return nil, apperr.New(apperr.KindValidation, "item %d: custom message exceeds %d characters", i, MaxCustomMessage)
			}
		} else {
			l.CustomMessage = ""
			l.IncludeCandle = false
		}
		lines = append(lines, l)
	}

	sortKey, ok := PickupSortKey(d.PickupTime)
	if !ok || !ValidPickupTime(d.PickupTime) {
		return nil, apperr.New(apperr.KindValidation, "invalid pickup time %q", d.PickupTime)
	}

	now = now.UTC()
	o := &Order{
		ID:            id,
		OrderNumber:   number,
		Customer:      cust,
		Items:         lines,
		Source:        d.Source,
		PickupDate:    d.PickupDate.Format("2006-01-02"),
		PickupTime:    d.PickupTime,
		PickupSort:    sortKey,
		Status:        StatusConfirmed,
		PaymentMethod: PaymentPending,
		Notes:         strings.TrimSpace(d.Notes),
		CreatedBy:     actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.Reprice()
	return o, nil
}
