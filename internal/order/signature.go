package order

import (
	"crypto/sha256"
	"encoding/hex"

	"order_pipeline/internal/core"
)

// Signature derives the duplicate-detection key of a signal. Two
// signals collide when user, signal id, symbol, side, quantity rounded
// to two decimals and order type all match.
func Signature(s *core.Signal) string {
	return signatureOf(s.UserID, s.ID, s.Symbol, string(s.Side), s.Quantity.Round(2).String(), string(s.OrderType))
}

// SignatureFromOrder recomputes the signature of the signal an order
// was created from, for releasing the slot on terminal transitions.
func SignatureFromOrder(o *core.Order) string {
	return signatureOf(o.UserID, o.SignalID, o.Symbol, string(o.Side), o.Quantity.Round(2).String(), string(o.OrderType))
}

func signatureOf(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
