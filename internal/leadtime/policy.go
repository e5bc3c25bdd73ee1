// Package leadtime computes the earliest pickup date an order may request.
//
// Lead time is counted in business days. The count starts from the day the
// order is placed, or from the next calendar day when the order arrives at or
// after closing time, and only days the bakery is open move the counter.
package leadtime

import (
	"time"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
)

// DateLayout is the calendar-date wire format used for pickup dates.
const DateLayout = "2006-01-02"

// Policy holds the business-hours constants.
type Policy struct {
	CloseHour          int
	LongLeadCategories []string
	LongLeadDays       int
	ShortLeadDays      int
	ClosedDays         []time.Weekday
}

// Default is the bakery policy: closes at 18:00, closed Sundays, cakes and
// personal desserts need two business days, everything else one.
var Default = Policy{
	CloseHour:          18,
	LongLeadCategories: []string{"cakes", "personal-desserts"},
	LongLeadDays:       2,
	ShortLeadDays:      1,
	ClosedDays:         []time.Weekday{time.Sunday},
}

// MinLeadDays returns the number of business days the given categories need.
// An empty cart needs none.
func (p Policy) MinLeadDays(categories []string) int {
	if len(categories) == 0 {
		return 0
	}
	for _, c := range categories {
		if p.isLongLead(c) {
			return p.LongLeadDays
		}
	}
	return p.ShortLeadDays
}

// MinPickupDate returns the earliest acceptable pickup date (midnight, in
// now's location) for an order with the given categories placed at now.
func (p Policy) MinPickupDate(categories []string, now time.Time) time.Time {
	lead := p.MinLeadDays(categories)

	date := DateOf(now)
	if now.Hour() >= p.CloseHour {
		date = date.AddDate(0, 0, 1)
	}

	for counted := 0; counted < lead; {
		date = date.AddDate(0, 0, 1)
		if p.isOpen(date.Weekday()) {
			counted++
		}
	}
	return date
}

// Validate rejects a requested pickup date earlier than the policy minimum.
// The returned error carries the minimum so callers can display it.
func (p Policy) Validate(categories []string, requested, now time.Time) error {
	minDate := p.MinPickupDate(categories, now)
	if DateOf(requested.In(now.Location())).Before(minDate) {
		return apperr.New(apperr.KindLeadTimeViolation,
			"minimum pickup date for this order is %s", minDate.Format(DateLayout)).
			WithContext("minPickupDate", minDate.Format(DateLayout)).
			WithContext("minDays", p.MinLeadDays(categories))
	}
	return nil
}

func (p Policy) isLongLead(category string) bool {
	for _, c := range p.LongLeadCategories {
		if c == category {
			return true
		}
	}
	return false
}

func (p Policy) isOpen(d time.Weekday) bool {
	for _, closed := range p.ClosedDays {
		if d == closed {
			return false
		}
	}
	return true
}

// DateOf truncates t to midnight in its own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseDate parses a YYYY-MM-DD pickup date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, loc)
}

// MinLeadDays applies the Default policy.
func MinLeadDays(categories []string) int { return Default.MinLeadDays(categories) }

// MinPickupDate applies the Default policy.
func MinPickupDate(categories []string, now time.Time) time.Time {
	return Default.MinPickupDate(categories, now)
}

// Validate applies the Default policy.
func Validate(categories []string, requested, now time.Time) error {
	return Default.Validate(categories, requested, now)
}
