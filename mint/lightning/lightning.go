// Package lightning abstracts the Lightning backend the mint pays
// invoices through and checks them against. The mint core never talks
// to a node directly; it only ever calls through this Client.
package lightning

import "context"

// Client is the payment interface the ledger consumes. Implementations
// must be idempotent for IsInvoicePaid and must report ok=false on
// non-final payment states so the ledger can retry or roll back
// safely rather than mistake "unknown" for "failed".
type Client interface {
	CreateInvoice(ctx context.Context, amount uint64) (paymentRequest, paymentHash string, err error)
	IsInvoicePaid(ctx context.Context, paymentHash string) (bool, error)
	PayInvoice(ctx context.Context, paymentRequest string, feeLimit uint64) (PaymentResult, error)
	Decode(paymentRequest string) (DecodedInvoice, error)
	FeeReserve(amount uint64) uint64
}

// PaymentResult is the outcome of a PayInvoice attempt. Ok is false for
// both a confirmed failure and an unresolved ("pending"/timed-out)
// outcome; callers distinguish the two via Final.
type PaymentResult struct {
	Ok        bool
	Final     bool
	Preimage  string
	ActualFee uint64
}

// DecodedInvoice is what the ledger needs out of an arbitrary bolt11
// string: its amount (for fee and change computation) and its payment
// hash (CheckFees looks it up to recognise an invoice this mint issued).
// Destination carries the payee; the ledger does not read it.
type DecodedInvoice struct {
	Amount      uint64
	PaymentHash string
	Destination string
}
