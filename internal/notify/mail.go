package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/imrishuroy/lumiere-orderflow/internal/orders"
)

// Email is a rendered plain-text message.
type Email struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers rendered messages.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// LogMailer writes messages to the log instead of sending them. It is the
// mailer for local runs and for deployments without an outbound provider.
type LogMailer struct {
	log *slog.Logger
}

// NewLogMailer returns a LogMailer.
func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, e Email) error {
	m.log.InfoContext(ctx, "email", "to", e.To, "subject", e.Subject, "body", e.Body)
	return nil
}

const shopName = "Lumière Pâtisserie"

var funcs = template.FuncMap{
	"money": func(v float64) string { return fmt.Sprintf("$%.2f", v) },
	"lineTotal": func(l orders.Line) float64 {
		return l.UnitPrice * float64(l.Quantity)
	},
}

var confirmationTmpl = template.Must(template.New("confirmation").Funcs(funcs).Parse(`Hello {{.Order.Customer.FullName}},

Thank you for your order at {{.Shop}}!

ORDER CONFIRMATION
Order Number: {{.Order.OrderNumber}}
Order Date: {{.Placed}}

YOUR ITEMS
{{range .Order.Items}}  - {{.ProductName}} x{{.Quantity}} - {{money (lineTotal .)}}
{{- if .CustomMessage}}
    Message: "{{.CustomMessage}}"{{end}}
{{- if .IncludeCandle}}
    Candle included{{end}}
{{end}}
PICKUP DETAILS
Date: {{.PickupDate}}
Time: {{.Order.PickupTime}}

PAYMENT SUMMARY
Subtotal: {{money .Order.Subtotal}}
Tax: {{money .Order.Tax}}
Total: {{money .Order.Total}}
Status: {{if .Order.IsPaid}}PAID{{else}}Payment due at pickup{{end}}

Please bring this email or your order number when picking up your order.

With sweetness,
{{.Shop}}
`))

var readyTmpl = template.Must(template.New("ready").Funcs(funcs).Parse(`Hello {{.Order.Customer.FullName}},

Great news! Your order is ready for pickup!

Order Number: {{.Order.OrderNumber}}
Scheduled Pickup: {{.PickupDate}} at {{.Order.PickupTime}}
Total Due: {{money .Order.Total}}{{if .Order.IsPaid}} (PAID){{end}}

We look forward to seeing you!

With sweetness,
{{.Shop}}
`))

type view struct {
	Shop       string
	Order      *orders.Order
	Placed     string
	PickupDate string
}

// Render builds the customer email for kind. Dates are shown in loc.
func Render(kind orders.NotificationKind, o *orders.Order, loc *time.Location) (Email, error) {
	if loc == nil {
		loc = time.UTC
	}
	v := view{
		Shop:       shopName,
		Order:      o,
		Placed:     o.CreatedAt.In(loc).Format("Jan 2, 2006 3:04 PM"),
		PickupDate: o.PickupDate,
	}
	if d, err := time.ParseInLocation("2006-01-02", o.PickupDate, loc); err == nil {
		v.PickupDate = d.Format("Monday, January 2, 2006")
	}

	var (
		tmpl    *template.Template
		subject string
	)
	switch kind {
	case orders.NotificationConfirmation:
		tmpl = confirmationTmpl
		subject = fmt.Sprintf("Order Confirmed - %s | %s", o.OrderNumber, shopName)
	case orders.NotificationReady:
		tmpl = readyTmpl
		subject = fmt.Sprintf("Your Order is Ready! - %s | %s", o.OrderNumber, shopName)
	default:
		return Email{}, fmt.Errorf("unknown notification kind %q", kind)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return Email{}, fmt.Errorf("render %s: %w", kind, err)
	}
	return Email{To: o.Customer.Email, Subject: subject, Body: buf.String()}, nil
}

// MailGateway renders messages and delivers them directly.
type MailGateway struct {
	mailer Mailer
	loc    *time.Location
}

// NewMailGateway returns a gateway that sends through mailer.
func NewMailGateway(mailer Mailer, loc *time.Location) *MailGateway {
	return &MailGateway{mailer: mailer, loc: loc}
}

// NotifyConfirmed implements Gateway.
func (g *MailGateway) NotifyConfirmed(ctx context.Context, o *orders.Order) (bool, error) {
	return g.deliver(ctx, orders.NotificationConfirmation, o)
}

// NotifyReady implements Gateway.
func (g *MailGateway) NotifyReady(ctx context.Context, o *orders.Order) (bool, error) {
	return g.deliver(ctx, orders.NotificationReady, o)
}

func (g *MailGateway) deliver(ctx context.Context, kind orders.NotificationKind, o *orders.Order) (bool, error) {
	e, err := Render(kind, o, g.loc)
	if err != nil {
		return false, err
	}
	if err := g.mailer.Send(ctx, e); err != nil {
		return false, fmt.Errorf("send %s email: %w", kind, err)
	}
	return true, nil
}
