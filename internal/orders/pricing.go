package orders

import "github.com/shopspring/decimal"

// TaxRate is the sales tax applied to every order (13% HST).
var TaxRate = decimal.RequireFromString("0.13")

// Pricing is the computed money breakdown of an order.
type Pricing struct {
	Subtotal float64
	Tax      float64
	Total    float64
}

// Price computes subtotal, tax and total from the lines. Arithmetic is done in
// decimal so the float results are the closest representation of exact cents.
func Price(lines []Line) Pricing {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(decimal.NewFromFloat(l.UnitPrice).Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	tax := subtotal.Mul(TaxRate)
	total := subtotal.Add(tax)

	return Pricing{
		Subtotal: subtotal.InexactFloat64(),
		Tax:      tax.InexactFloat64(),
		Total:    total.InexactFloat64(),
	}
}

// Reprice recomputes the order totals from its items.
func (o *Order) Reprice() {
	p := Price(o.Items)
	o.Subtotal = p.Subtotal
	o.Tax = p.Tax
	o.Total = p.Total
}
