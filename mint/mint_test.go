package mint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-cashu/mint/cashu"
	"github.com/go-cashu/mint/crypto"
	"github.com/go-cashu/mint/mint/lightning"
	"github.com/go-cashu/mint/mint/storage/memory"
)

func newTestMint(t *testing.T) (*Mint, *lightning.FakeBackend) {
	t.Helper()

	store := memory.New()
	fb := lightning.NewFakeBackend()

	m, err := New(store, fb, 0, 0, Limits{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, fb
}

// blindOutputs builds one blinded message per amount against the
// mint's active keyset, returning the parallel secrets and blinding
// factors needed to unblind the resulting signatures.
func blindOutputs(t *testing.T, m *Mint, amounts []uint64) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey) {
	t.Helper()

	keysetId := m.GetActiveKeyset().Id
	outputs := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amount := range amounts {
		var secretBytes [32]byte
		if _, err := rand.Read(secretBytes[:]); err != nil {
			t.Fatalf("rand: %v", err)
		}
		secret := hex.EncodeToString(secretBytes[:])

		B_, r, err := crypto.BlindMessage([]byte(secret), nil)
		if err != nil {
			t.Fatalf("BlindMessage: %v", err)
		}

		outputs[i] = cashu.NewBlindedMessage(keysetId, amount, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return outputs, secrets, rs
}

// unblindProofs turns signatures issued against outputs/secrets/rs back
// into spendable proofs, as a wallet would.
func unblindProofs(t *testing.T, m *Mint, signatures cashu.BlindedSignatures, secrets []string, rs []*secp256k1.PrivateKey) cashu.Proofs {
	t.Helper()

	keyset := m.GetActiveKeyset()
	proofs := make(cashu.Proofs, len(signatures))
	for i, sig := range signatures {
		keypair, ok := keyset.Keys[sig.Amount]
		if !ok {
			t.Fatalf("no key for amount %d", sig.Amount)
		}

		C_bytes, err := hex.DecodeString(sig.C_)
		if err != nil {
			t.Fatalf("decode C_: %v", err)
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			t.Fatalf("parse C_: %v", err)
		}

		C := crypto.UnblindSignature(C_, rs[i], keypair.PublicKey)
		proofs[i] = cashu.Proof{
			Amount: sig.Amount,
			Id:     sig.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

func mintProofs(t *testing.T, m *Mint, fb *lightning.FakeBackend, amount uint64) cashu.Proofs {
	t.Helper()

	ctx := context.Background()
	_, paymentHash, err := m.RequestMint(ctx, amount)
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	fb.MarkPaid(paymentHash)

	outputs, secrets, rs := blindOutputs(t, m, cashu.AmountSplit(amount))
	signatures, err := m.Mint(ctx, outputs, paymentHash)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	return unblindProofs(t, m, signatures, secrets, rs)
}

func TestRequestMintAndMintHappyPath(t *testing.T) {
	m, fb := newTestMint(t)
	ctx := context.Background()

	paymentRequest, paymentHash, err := m.RequestMint(ctx, 64)
	if err != nil {
		t.Fatalf("RequestMint: %v", err)
	}
	if paymentRequest == "" || paymentHash == "" {
		t.Fatalf("expected non-empty invoice, got %q %q", paymentRequest, paymentHash)
	}

	outputs, secrets, rs := blindOutputs(t, m, []uint64{64})

	if _, err := m.Mint(ctx, outputs, paymentHash); err == nil {
		t.Fatalf("expected Mint to reject an unpaid invoice")
	} else if err != cashu.ErrInvoiceUnpaid {
		t.Fatalf("expected ErrInvoiceUnpaid, got %v", err)
	}

	fb.MarkPaid(paymentHash)

	signatures, err := m.Mint(ctx, outputs, paymentHash)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if len(signatures) != 1 || signatures[0].Amount != 64 {
		t.Fatalf("unexpected signatures: %+v", signatures)
	}

	proofs := unblindProofs(t, m, signatures, secrets, rs)
	spendable, err := m.CheckSpendable(proofs)
	if err != nil {
		t.Fatalf("CheckSpendable: %v", err)
	}
	if len(spendable) != 1 || !spendable[0] {
		t.Fatalf("expected freshly minted proof to be spendable, got %+v", spendable)
	}

	if _, err := m.Mint(ctx, outputs, paymentHash); err != cashu.ErrInvoiceAlreadyIssued {
		t.Fatalf("expected ErrInvoiceAlreadyIssued on replay, got %v", err)
	}
}

func TestSplitRejectsUnknownKeyset(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 8)
	proofs[0].Id = "unknownkeys"

	outputs, _, _ := blindOutputs(t, m, []uint64{8})
	if _, _, err := m.Split(context.Background(), proofs, 8, outputs); err != cashu.ErrUnknownKeyset {
		t.Fatalf("expected ErrUnknownKeyset, got %v", err)
	}
}

func TestSplitProducesTwoSignedOutputSets(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 16)

	outputs, _, _ := blindOutputs(t, m, []uint64{4, 4, 8})
	fst, snd, err := m.Split(context.Background(), proofs, 4, outputs)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(fst) != 1 || fst[0].Amount != 4 {
		t.Fatalf("unexpected first split half: %+v", fst)
	}
	if len(snd) != 2 || snd.Amount() != 12 {
		t.Fatalf("unexpected second split half: %+v", snd)
	}

	spendable, err := m.CheckSpendable(proofs)
	if err != nil {
		t.Fatalf("CheckSpendable: %v", err)
	}
	if spendable[0] {
		t.Fatalf("expected original proof to be marked spent after split")
	}
}

// TestConcurrentSplitRejectsDoubleSpend exercises the atomic
// pre-mark-then-insert path two goroutines race against: only one of
// two concurrent splits over the same proofs may succeed.
func TestConcurrentSplitRejectsDoubleSpend(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 8)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outputs, _, _ := blindOutputs(t, m, []uint64{8})
			_, _, err := m.Split(context.Background(), proofs, 8, outputs)
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if err != cashu.ErrProofAlreadySpent {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one split to succeed, got %d", successes)
	}
}

func TestMeltRollsBackOnPaymentFailure(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 32)

	failingInvoice, _, err := fb.CreateFailingInvoice(32)
	if err != nil {
		t.Fatalf("CreateFailingInvoice: %v", err)
	}

	ok, _, _, err := m.Melt(context.Background(), proofs, failingInvoice, nil)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if ok {
		t.Fatalf("expected Melt to report failure")
	}

	spendable, err := m.CheckSpendable(proofs)
	if err != nil {
		t.Fatalf("CheckSpendable: %v", err)
	}
	if !spendable[0] {
		t.Fatalf("expected proofs to be rolled back to spendable after failed payment")
	}
}

func TestMeltSucceedsWithChange(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 16)

	invoice, _, err := fb.CreateInvoice(context.Background(), 10)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	changeOutputs, _, _ := blindOutputs(t, m, []uint64{4, 2})
	ok, preimage, change, err := m.Melt(context.Background(), proofs, invoice, changeOutputs)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if !ok {
		t.Fatalf("expected Melt to succeed")
	}
	if preimage != lightning.FakePreimage {
		t.Fatalf("unexpected preimage: %q", preimage)
	}
	if change.Amount() != 6 {
		t.Fatalf("expected 6 sats of change, got %d", change.Amount())
	}

	spendable, err := m.CheckSpendable(proofs)
	if err != nil {
		t.Fatalf("CheckSpendable: %v", err)
	}
	if spendable[0] {
		t.Fatalf("expected melted proofs to stay spent")
	}
}

// TestMeltClipsChangeExceedingOverpayment covers spec §8's "melt with
// change... reject (exceeds overpayment)" scenario. The payment has
// already settled by the time change is considered, so the mint must
// never fail the whole melt over oversized change outputs: it signs
// the greedy prefix that fits and discards the rest.
func TestMeltClipsChangeExceedingOverpayment(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 16)

	invoice, _, err := fb.CreateInvoice(context.Background(), 10)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	// overpayment is 6; these outputs sum to 8.
	changeOutputs, _, _ := blindOutputs(t, m, []uint64{4, 4})
	ok, preimage, change, err := m.Melt(context.Background(), proofs, invoice, changeOutputs)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if !ok {
		t.Fatalf("expected Melt to report success: the payment already settled")
	}
	if preimage != lightning.FakePreimage {
		t.Fatalf("unexpected preimage: %q", preimage)
	}
	if len(change) != 1 || change.Amount() != 4 {
		t.Fatalf("expected only the 4-sat prefix output signed as change, got %d outputs totaling %d", len(change), change.Amount())
	}

	spendable, err := m.CheckSpendable(proofs)
	if err != nil {
		t.Fatalf("CheckSpendable: %v", err)
	}
	if spendable[0] {
		t.Fatalf("expected melted proofs to stay spent even though change was clipped")
	}
}

func TestKeysetRotationPreservesOldKeyVerification(t *testing.T) {
	store := memory.New()
	fb := lightning.NewFakeBackend()

	m1, err := New(store, fb, 0, 0, Limits{}, nil)
	if err != nil {
		t.Fatalf("New (idx 0): %v", err)
	}
	proofs := mintProofs(t, m1, fb, 8)
	oldKeysetId := m1.GetActiveKeyset().Id

	m2, err := New(store, fb, 1, 0, Limits{}, nil)
	if err != nil {
		t.Fatalf("New (idx 1): %v", err)
	}
	if m2.GetActiveKeyset().Id == oldKeysetId {
		t.Fatalf("expected a new active keyset at a different derivation index")
	}
	if _, err := m2.GetKeyset(oldKeysetId); err != nil {
		t.Fatalf("expected the rotated-out keyset to still be loaded, got %v", err)
	}

	outputs, _, _ := blindOutputs(t, m2, []uint64{8})
	if _, _, err := m2.Split(context.Background(), proofs, 8, outputs); err != nil {
		t.Fatalf("expected proofs signed under the old keyset to still verify after rotation, got %v", err)
	}
}

func TestReconcilePendingMeltRollsBackWhenUnpaid(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 16)

	fb.PaymentDelayMs = 60_000
	invoice, paymentHash, err := fb.CreateInvoice(context.Background(), 16)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	ok, _, _, err := m.Melt(context.Background(), proofs, invoice, nil)
	if err != nil {
		t.Fatalf("Melt: %v", err)
	}
	if ok {
		t.Fatalf("expected Melt to report the payment as pending, not settled")
	}

	spendable, err := m.CheckSpendable(proofs)
	if err != nil {
		t.Fatalf("CheckSpendable: %v", err)
	}
	if spendable[0] {
		t.Fatalf("expected the pre-mark to stay in place while the payment is unresolved")
	}

	if err := m.Reconcile(context.Background(), paymentHash, proofs); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	spendable, err = m.CheckSpendable(proofs)
	if err != nil {
		t.Fatalf("CheckSpendable: %v", err)
	}
	if !spendable[0] {
		t.Fatalf("expected Reconcile to roll back the pre-mark once the backend reports the invoice unpaid")
	}
}

func TestMeltRejectsInsufficientProofs(t *testing.T) {
	m, fb := newTestMint(t)
	proofs := mintProofs(t, m, fb, 4)

	invoice, _, err := fb.CreateInvoice(context.Background(), 10)
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}

	if _, _, _, err := m.Melt(context.Background(), proofs, invoice, nil); err != cashu.ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}
