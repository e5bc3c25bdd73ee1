// Package calendar shapes stored orders into the staff schedule views.
package calendar

import (
	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

// View selects the response shape.
type View string

const (
	ViewCalendar View = "calendar"
	ViewList     View = "list"
)

// ParseView defaults an empty value to the list view.
func ParseView(s string) (View, error) {
	switch View(s) {
	case ViewCalendar:
		return ViewCalendar, nil
	case "", ViewList:
		return ViewList, nil
	}
	return "", apperr.New(apperr.KindValidation, "unknown view %q", s)
}

// Result holds exactly one of the two shapes.
type Result struct {
	View     View                        `json:"view"`
	Calendar map[string][]orders.Summary `json:"calendar,omitempty"`
	List     []orders.Summary            `json:"orders,omitempty"`
	Count    int                         `json:"count"`
}

// Build groups list into the requested view. Input order does not matter.
func Build(list []orders.Order, view View) Result {
	sorted := make([]orders.Order, len(list))
	copy(sorted, list)
	orders.SortBySchedule(sorted)

	res := Result{View: view, Count: len(sorted)}
	if view == ViewList {
		res.List = make([]orders.Summary, 0, len(sorted))
		for i := range sorted {
			res.List = append(res.List, sorted[i].Summary())
		}
		return res
	}

	res.Calendar = make(map[string][]orders.Summary)
	for i := range sorted {
		o := &sorted[i]
		res.Calendar[o.PickupDate] = append(res.Calendar[o.PickupDate], o.Summary())
	}
	return res
}
