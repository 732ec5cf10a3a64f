package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// FakePreimage is returned for every successful payment the fake
// backend settles; tests assert against it directly.
const FakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// FailPaymentDescription marks an invoice, via its bolt11 description
// field, to fail when paid through PayInvoice.
const FailPaymentDescription = "fail the payment"

type fakeInvoice struct {
	paymentRequest string
	paymentHash    string
	amount         uint64
	settled        bool
}

// FakeBackend is an in-process Lightning double: it mints real, decodable
// bolt11 invoices (so the ledger's Decode/amount-checking code paths are
// genuinely exercised) but settles and pays them according to rules the
// test controls, instead of talking to a node.
type FakeBackend struct {
	mu sync.Mutex

	invoices map[string]*fakeInvoice
	// PaymentDelayMs makes a payment to an invoice created less than
	// this many milliseconds ago resolve as pending rather than final.
	PaymentDelayMs int64
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{invoices: make(map[string]*fakeInvoice)}
}

func (fb *FakeBackend) CreateInvoice(ctx context.Context, amount uint64) (string, string, error) {
	req, hash, err := fb.newInvoice(amount, "")
	if err != nil {
		return "", "", err
	}
	return req, hash, nil
}

// CreateFailingInvoice is a test helper: paying the returned invoice
// through PayInvoice always resolves as failed.
func (fb *FakeBackend) CreateFailingInvoice(amount uint64) (string, string, error) {
	return fb.newInvoice(amount, FailPaymentDescription)
}

func (fb *FakeBackend) newInvoice(amount uint64, description string) (string, string, error) {
	var preimageBytes [32]byte
	if _, err := rand.Read(preimageBytes[:]); err != nil {
		return "", "", err
	}
	paymentHash := sha256.Sum256(preimageBytes[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description(description),
	)
	if err != nil {
		return "", "", err
	}

	req, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return nil, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", err
	}

	fb.mu.Lock()
	fb.invoices[hash] = &fakeInvoice{paymentRequest: req, paymentHash: hash, amount: amount}
	fb.mu.Unlock()

	return req, hash, nil
}

func (fb *FakeBackend) IsInvoicePaid(ctx context.Context, paymentHash string) (bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	inv, ok := fb.invoices[paymentHash]
	if !ok {
		return false, errors.New("invoice does not exist")
	}
	return inv.settled, nil
}

// MarkPaid simulates the wallet's counterpart paying the invoice,
// since the fake backend has no real network to observe a payment on.
func (fb *FakeBackend) MarkPaid(paymentHash string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if inv, ok := fb.invoices[paymentHash]; ok {
		inv.settled = true
	}
}

func (fb *FakeBackend) PayInvoice(ctx context.Context, paymentRequest string, feeLimit uint64) (PaymentResult, error) {
	decoded, err := decodepay.Decodepay(paymentRequest)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	if decoded.Description == FailPaymentDescription {
		return PaymentResult{Ok: false, Final: true}, nil
	}

	if fb.PaymentDelayMs > 0 {
		created := time.Unix(int64(decoded.CreatedAt), 0)
		if time.Since(created) < time.Duration(fb.PaymentDelayMs)*time.Millisecond {
			return PaymentResult{Ok: false, Final: false}, nil
		}
	}

	fb.mu.Lock()
	if inv, ok := fb.invoices[decoded.PaymentHash]; ok {
		inv.settled = true
	}
	fb.mu.Unlock()

	return PaymentResult{Ok: true, Final: true, Preimage: FakePreimage, ActualFee: 0}, nil
}

func (fb *FakeBackend) Decode(paymentRequest string) (DecodedInvoice, error) {
	decoded, err := decodepay.Decodepay(paymentRequest)
	if err != nil {
		return DecodedInvoice{}, fmt.Errorf("error decoding invoice: %v", err)
	}
	return DecodedInvoice{
		Amount:      uint64(decoded.MSatoshi) / 1000,
		PaymentHash: decoded.PaymentHash,
		Destination: decoded.Payee,
	}, nil
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return 0
}
