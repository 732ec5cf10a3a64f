// Package storage defines the durable-record contract the ledger relies
// on: invoices, the spent-set, issued promises, and keysets. Concrete
// backends (in-memory, bbolt) live in their own subpackages.
package storage

import (
	"github.com/go-cashu/mint/cashu"
)

// InvoiceState tracks an invoice through its one-way lifecycle
// unpaid -> paid -> issued.
type InvoiceState int

const (
	Unpaid InvoiceState = iota
	Paid
	Issued
)

// Invoice is the durable record created by a request_mint call.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	Amount         uint64
	State          InvoiceState
}

// DBKeyset is the persisted form of a crypto.MintKeyset: enough to
// re-derive the keyset's keypairs from the mint's seed on restart.
type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
}

// MintStore is the storage contract the ledger consumes. Every method
// must be atomic at the granularity of a single call. Mint runs its
// compound sequence (re-check the invoice, store promises, mark it
// issued) inside WithTx; melt and split rely on InsertSpentProofs being
// atomic and undo a pre-mark with DeleteSpentProofs on failure.
type MintStore interface {
	GetInvoice(paymentHash string) (Invoice, error)
	StoreInvoice(Invoice) error
	UpdateInvoiceIssued(paymentHash string, issued bool) error

	IsSecretSpent(secret string) (bool, error)
	InsertSpentProofs(proofs cashu.Proofs) error
	DeleteSpentProofs(secrets []string) error

	StorePromises(keysetId string, promises cashu.BlindedSignatures) error
	GetPromisesByKeyset(keysetId string) (cashu.BlindedSignatures, error)
	GetProofsByKeyset(keysetId string) (cashu.Proofs, error)

	GetKeyset(id string) (DBKeyset, error)
	GetAllKeysets() ([]DBKeyset, error)
	StoreKeyset(DBKeyset) error
	GetSeed() ([]byte, error)
	SaveSeed([]byte) error

	// WithTx runs fn with exclusive access to the store: both backends
	// implement it as a mutex held for fn's duration, not as a true
	// transaction. An error returned by fn is NOT rolled back; any
	// writes fn already made before returning the error stay
	// committed. Callers that need to survive a partial failure (Mint,
	// Split) order their writes so the recoverable one happens first,
	// or roll back their own reversible write (e.g. DeleteSpentProofs)
	// on failure rather than relying on WithTx to undo anything.
	WithTx(fn func(tx MintStore) error) error

	Close() error
}
