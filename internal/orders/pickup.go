package orders

import "time"

// PickupTimes is the fixed set of selectable pickup slots.
var PickupTimes = []string{
	"9:00 AM", "10:00 AM", "11:00 AM", "12:00 PM",
	"1:00 PM", "2:00 PM", "3:00 PM", "4:00 PM", "5:00 PM",
}

// ValidPickupTime reports whether label is one of PickupTimes.
func ValidPickupTime(label string) bool {
	for _, t := range PickupTimes {
		if t == label {
			return true
		}
	}
	return false
}

// PickupSortKey converts a slot label such as "2:00 PM" to "14:00" so slots
// order lexically.
func PickupSortKey(label string) (string, bool) {
	t, err := time.Parse("3:04 PM", label)
	if err != nil {
		return "", false
	}
	return t.Format("15:04"), true
}
