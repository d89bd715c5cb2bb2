// Package paymentgw talks to the external payment provider. Every call is a
// network round trip and must never run inside a database transaction.
package paymentgw

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrRejected is returned when the provider answers with a non-2xx status.
var ErrRejected = errors.New("provider rejected request")

// Order is the provider-side order created before the customer pays.
type Order struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// PaymentInfo is the provider's view of a payment.
type PaymentInfo struct {
	ID       string `json:"id"`
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Captured bool   `json:"captured"`
}

// Refund is the result of a refund request.
type Refund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// Sign returns the hex HMAC-SHA256 the provider attaches to a payment
// confirmation: the message is "<provider order id>|<provider payment id>".
func Sign(secret, providerOrderID, providerPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex signature in constant time.
func VerifySignature(secret, providerOrderID, providerPaymentID, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(providerOrderID + "|" + providerPaymentID))
	return hmac.Equal(mac.Sum(nil), got)
}
