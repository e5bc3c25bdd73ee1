package orders

import (
	"time"

	"github.com/imrishuroy/lumiere-orderflow/internal/apperr"
)

// Status is the order lifecycle state.
type Status string

// Order statuses
const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusReady      Status = "ready"
	StatusPickedUp   Status = "picked_up"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending, StatusConfirmed, StatusInProgress, StatusReady, StatusPickedUp, StatusCancelled,
}

// ParseStatus validates a status name coming from a client.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", apperr.New(apperr.KindInvalidStatus, "invalid status %q", s)
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusPickedUp || s == StatusCancelled
}

// Source records where an order was placed.
type Source string

const (
	SourceWebsite  Source = "website"
	SourceInPerson Source = "in_person"
)

// PaymentMethod is how an order was (or will be) paid at pickup.
type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentCard    PaymentMethod = "card"
	PaymentPending PaymentMethod = "pending"
)

// Role is a staff capability handed to us by the authorization layer.
type Role string

const (
	RoleAdmin      Role = "admin"
	RolePastryChef Role = "pastry_chef"
	RoleBarista    Role = "barista"
)

// ParseRole returns the role named by s, if known.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RolePastryChef, RoleBarista:
		return Role(s), true
	}
	return "", false
}

// Actor is the authenticated caller of a mutating operation. The zero value
// is an anonymous storefront customer.
type Actor struct {
	ID   string
	Role Role
}

// Anonymous reports whether no staff identity was supplied.
func (a Actor) Anonymous() bool { return a.ID == "" }

// HasAny reports whether the actor holds one of roles.
func (a Actor) HasAny(roles ...Role) bool {
	if a.Anonymous() {
		return false
	}
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// CategoryCakes is the only category whose lines keep a message and candle.
const CategoryCakes = "cakes"

// MaxCustomMessage bounds the cake inscription length, in characters.
const MaxCustomMessage = 200

// Customer is captured at creation and never changed.
type Customer struct {
	FullName string `dynamodbav:"full_name" json:"fullName"`
	Email    string `dynamodbav:"email" json:"email"`
	Phone    string `dynamodbav:"phone" json:"phone"`
}

// Line is one product on an order. Name, category and price are snapshots
// taken from the catalog when the order was placed.
type Line struct {
	ProductID       string  `dynamodbav:"product_id" json:"productId"`
	ProductName     string  `dynamodbav:"product_name" json:"productName"`
	ProductCategory string  `dynamodbav:"product_category" json:"productCategory"`
	Quantity        int     `dynamodbav:"quantity" json:"quantity"`
	UnitPrice       float64 `dynamodbav:"unit_price" json:"unitPrice"`
	CustomMessage   string  `dynamodbav:"custom_message,omitempty" json:"customMessage,omitempty"`
	IncludeCandle   bool    `dynamodbav:"include_candle,omitempty" json:"includeCandle,omitempty"`
}

// FulfillmentProgress is filled in by the kitchen.
type FulfillmentProgress struct {
	StartedAt   *time.Time `dynamodbav:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty" json:"completedAt,omitempty"`
	CompletedBy string     `dynamodbav:"completed_by,omitempty" json:"completedBy,omitempty"`
}

// PickupProgress is filled in at the counter.
type PickupProgress struct {
	PickedUpAt *time.Time `dynamodbav:"picked_up_at,omitempty" json:"pickedUpAt,omitempty"`
	HandledBy  string     `dynamodbav:"handled_by,omitempty" json:"handledBy,omitempty"`
}

// Notifications holds one idempotency flag per customer message.
type Notifications struct {
	ConfirmationSent        bool       `dynamodbav:"confirmation_sent" json:"confirmationSent"`
	ConfirmationSentAt      *time.Time `dynamodbav:"confirmation_sent_at,omitempty" json:"confirmationSentAt,omitempty"`
	ReadyNotificationSent   bool       `dynamodbav:"ready_notification_sent" json:"readyNotificationSent"`
	ReadyNotificationSentAt *time.Time `dynamodbav:"ready_notification_sent_at,omitempty" json:"readyNotificationSentAt,omitempty"`
}

// NotificationKind names a one-time customer message.
type NotificationKind string

const (
	NotificationConfirmation NotificationKind = "confirmation"
	NotificationReady        NotificationKind = "ready"
)

// Sent reports whether the flag for kind is already set.
func (n Notifications) Sent(kind NotificationKind) bool {
	switch kind {
	case NotificationConfirmation:
		return n.ConfirmationSent
	case NotificationReady:
		return n.ReadyNotificationSent
	}
	return false
}

// Order represents the item stored in the orders DynamoDB table.
type Order struct {
	ID            string              `dynamodbav:"id" json:"id"` // PK
	OrderNumber   string              `dynamodbav:"order_number" json:"orderNumber"`
	Customer      Customer            `dynamodbav:"customer" json:"customer"`
	Items         []Line              `dynamodbav:"items" json:"items"`
	Subtotal      float64             `dynamodbav:"subtotal" json:"subtotal"`
	Tax           float64             `dynamodbav:"tax" json:"tax"`
	Total         float64             `dynamodbav:"total" json:"total"`
	Source        Source              `dynamodbav:"order_source" json:"orderSource"`
	PickupDate    string              `dynamodbav:"pickup_date" json:"pickupDate"` // YYYY-MM-DD
	PickupTime    string              `dynamodbav:"pickup_time" json:"pickupTime"`
	PickupSort    string              `dynamodbav:"pickup_sort" json:"-"` // HH:MM, 24h
	Status        Status              `dynamodbav:"status" json:"status"`
	IsPaid        bool                `dynamodbav:"is_paid" json:"isPaid"`
	PaidAt        *time.Time          `dynamodbav:"paid_at,omitempty" json:"paidAt,omitempty"`
	PaymentMethod PaymentMethod       `dynamodbav:"payment_method" json:"paymentMethod"`
	Fulfillment   FulfillmentProgress `dynamodbav:"fulfillment_progress" json:"fulfillmentProgress"`
	Pickup        PickupProgress      `dynamodbav:"pickup_progress" json:"pickupProgress"`
	Notifications Notifications       `dynamodbav:"notifications" json:"notifications"`
	Notes         string              `dynamodbav:"notes,omitempty" json:"notes,omitempty"`
	CreatedBy     string              `dynamodbav:"created_by,omitempty" json:"createdBy,omitempty"`
	CreatedAt     time.Time           `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt     time.Time           `dynamodbav:"updated_at" json:"updatedAt"`
	Version       int64               `dynamodbav:"version" json:"version"`
}

// Categories lists the product category of every line.
func (o *Order) Categories() []string {
	cats := make([]string, 0, len(o.Items))
	for _, l := range o.Items {
		cats = append(cats, l.ProductCategory)
	}
	return cats
}

// Tracking is the public, PII-free view of an order.
type Tracking struct {
	OrderNumber string  `json:"orderNumber"`
	Status      Status  `json:"status"`
	PickupDate  string  `json:"pickupDate"`
	PickupTime  string  `json:"pickupTime"`
	IsPaid      bool    `json:"isPaid"`
	ItemCount   int     `json:"itemCount"`
	Total       float64 `json:"total"`
}

// Tracking returns the reduced projection for customer lookups.
func (o *Order) Tracking() Tracking {
	return Tracking{
		OrderNumber: o.OrderNumber,
		Status:      o.Status,
		PickupDate:  o.PickupDate,
		PickupTime:  o.PickupTime,
		IsPaid:      o.IsPaid,
		ItemCount:   len(o.Items),
		Total:       o.Total,
	}
}

// Summary is a calendar/list entry.
type Summary struct {
	ID           string  `json:"id"`
	OrderNumber  string  `json:"orderNumber"`
	CustomerName string  `json:"customerName"`
	PickupDate   string  `json:"pickupDate"`
	PickupTime   string  `json:"pickupTime"`
	Status       Status  `json:"status"`
	IsPaid       bool    `json:"isPaid"`
	ItemCount    int     `json:"itemCount"`
	Total        float64 `json:"total"`
}

// Summary returns the staff schedule entry for this order.
func (o *Order) Summary() Summary {
	return Summary{
		ID:           o.ID,
		OrderNumber:  o.OrderNumber,
		CustomerName: o.Customer.FullName,
		PickupDate:   o.PickupDate,
		PickupTime:   o.PickupTime,
		Status:       o.Status,
		IsPaid:       o.IsPaid,
		ItemCount:    len(o.Items),
		Total:        o.Total,
	}
}
