package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"storefront/internal/model"
)

var funcs = template.FuncMap{
	"eur": func(cents int64) string { return "€" + model.FromCents(cents).StringFixed(2) },
}

var (
	customerTmpl = template.Must(template.New("customer").Funcs(funcs).Parse(`<h1>Thanks for your order{{with .Customer.Name}}, {{.}}{{end}}!</h1>
<p>Order <strong>{{.OrderNumber}}</strong> is confirmed and paid.</p>
<table>
{{range .Items}}<tr><td>{{.ID}}{{with .VariantID}} ({{.}}){{end}}</td><td>× {{.Quantity}}</td><td>{{eur .LineTotalCents}}</td></tr>
{{end}}</table>
<p>Subtotal {{eur .SubtotalCents}}<br>Shipping {{eur .ShippingCents}}<br>VAT {{eur .VATCents}}<br><strong>Total {{eur .TotalCents}}</strong></p>
{{with .Address}}{{if .Line1}}<p>Shipping to:<br>{{.Line1}}{{with .Line2}}<br>{{.}}{{end}}<br>{{.City}} {{.PostalCode}}</p>{{end}}{{end}}
<p>Electric Ink IE</p>`))

	adminTmpl = template.Must(template.New("admin").Funcs(funcs).Parse(`<h1>New order {{.OrderNumber}}</h1>
<p>Payment intent {{.ID}} &middot; {{eur .TotalCents}} &middot; {{.ShippingMethod}}</p>
<p>{{.Customer.Name}} &lt;{{.Customer.Email}}&gt;{{with .Customer.Phone}} &middot; {{.}}{{end}}</p>
<ul>
{{range .Items}}<li>{{.Quantity}} × {{.ID}}{{with .VariantID}} ({{.}}){{end}}</li>
{{end}}</ul>
{{with .Address}}<p>{{.Line1}} {{.Line2}}, {{.City}}, {{.County}} {{.PostalCode}} {{.Country}}</p>{{end}}`))

	shippingTmpl = template.Must(template.New("shipping").Funcs(funcs).Parse(`<h1>Your order {{.OrderNumber}} is on its way</h1>
{{if .TrackingNumber}}<p>Tracking number: <strong>{{.TrackingNumber}}</strong>{{with .Carrier}} ({{.}}){{end}}</p>{{end}}
<p>Electric Ink IE</p>`))
)

// render builds the message for one notification kind.
func render(kind string, o model.Order, to string) (Message, error) {
	var (
		t       *template.Template
		subject string
	)
	switch kind {
	case model.NotifyCustomer:
		t, subject = customerTmpl, fmt.Sprintf("Order confirmed: %s", o.OrderNumber)
	case model.NotifyAdmin:
		t, subject = adminTmpl, fmt.Sprintf("New order %s (%s)", o.OrderNumber, "€"+model.FromCents(o.TotalCents).StringFixed(2))
	case model.NotifyShipping:
		t, subject = shippingTmpl, fmt.Sprintf("Your order %s has shipped", o.OrderNumber)
	default:
		return Message{}, fmt.Errorf("unknown notification kind %q", kind)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, o); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", kind, err)
	}
	return Message{To: []string{to}, Subject: strings.TrimSpace(subject), HTML: buf.String()}, nil
}
