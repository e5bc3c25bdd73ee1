package validation

// Customer is the contact block of a new order.
type Customer struct {
	FullName string `json:"fullName" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Phone    string `json:"phone" validate:"required,min=7,max=32"`
}

// Item represents a single requested cart line. Name, category and price
// come from the catalog, never from the client.
type Item struct {
	ProductID     string `json:"productId" validate:"required"`
	Quantity      int    `json:"quantity" validate:"required,min=1,max=100"`
	CustomMessage string `json:"customMessage,omitempty" validate:"max=200"` // cakes only
	IncludeCandle bool   `json:"includeCandle,omitempty"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	Customer    Customer `json:"customer" validate:"required"`
	Items       []Item   `json:"items" validate:"required,min=1,dive"`               // at least one item
	PickupDate  string   `json:"pickupDate" validate:"required,datetime=2006-01-02"` // bakery-local date
	PickupTime  string   `json:"pickupTime" validate:"required,pickup_slot"`
	OrderSource string   `json:"orderSource,omitempty" validate:"omitempty,oneof=website in_person"`
	Notes       string   `json:"notes,omitempty" validate:"max=500"`
}

// TransitionRequest is the payload for PATCH /orders/:id/status. The value is
// checked against the lifecycle by the service so unknown names surface as
// invalid_status.
type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
}

// MarkPaidRequest is the payload for PATCH /orders/:id/pay. An empty method
// means cash.
type MarkPaidRequest struct {
	PaymentMethod string `json:"paymentMethod,omitempty" validate:"omitempty,oneof=cash card"`
}

// ProductRef names a product in a min-pickup-date query.
type ProductRef struct {
	ProductID string `json:"productId" validate:"required"`
}

// MinPickupRequest is the payload for POST /orders/min-pickup-date
type MinPickupRequest struct {
	Items []ProductRef `json:"items" validate:"required,dive"`
}
