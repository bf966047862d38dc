package notify

import (
	"fmt"
	"strings"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/shopspring/decimal"
)

type Message struct {
	Subject string
	Body    string
}

var subjects = map[orders.Status]string{
	orders.StatusProcessing: "We received your payment",
	orders.StatusShipped:    "Your order is on its way",
	orders.StatusDelivered:  "Your order was delivered",
	orders.StatusCancelled:  "Your order was cancelled",
}

func Render(p orders.OrderStatusChangedPayload) Message {
	subject, ok := subjects[p.To]
	if !ok {
		subject = "Your order was updated"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Order %s is now %s.\n", p.OrderID, strings.ReplaceAll(string(p.To), "_", " "))
	if p.TotalCents > 0 {
		fmt.Fprintf(&b, "Total: %s %s\n", decimal.New(p.TotalCents, -2).StringFixed(2), strings.ToUpper(p.Currency))
	}
	if p.To == orders.StatusCancelled {
		b.WriteString("Any payment taken for this order will be returned to you.\n")
	}
	return Message{Subject: subject + " (" + p.OrderID + ")", Body: b.String()}
}
