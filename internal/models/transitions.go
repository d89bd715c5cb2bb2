package models

var orderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

var paymentTransitions = map[string][]string{
	OrderPaymentPending: {OrderPaymentPaid, OrderPaymentAborted},
	OrderPaymentPaid:    {OrderPaymentRefunded},
}

// CanTransitionOrder reports whether order_status may move from -> to.
func CanTransitionOrder(from, to string) bool {
	return contains(orderTransitions[from], to)
}

// CanTransitionPayment reports whether an order's payment_status may move from -> to.
func CanTransitionPayment(from, to string) bool {
	return contains(paymentTransitions[from], to)
}

// IsCancellable is true for the order statuses a cancellation may start from.
func IsCancellable(status string) bool {
	return CanTransitionOrder(status, OrderStatusCancelled)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
