package validation

import (
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

// New returns a configured validator with the custom tags registered.
// Field names in errors use the JSON names clients send.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// pickup_slot accepts only the fixed hourly pickup labels.
	if err := v.RegisterValidation("pickup_slot", pickupSlot); err != nil {
		panic(err)
	}

	return v
}

func pickupSlot(fl validatorv10.FieldLevel) bool {
	return orders.ValidPickupTime(fl.Field().String())
}
