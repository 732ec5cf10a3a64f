// Package mint implements the ledger state machine: per-denomination
// keysets, issuance of blinded signatures, and double-spend-safe
// verification of proofs, wired to a Lightning backend and a storage
// backend.
package mint

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/go-cashu/mint/cashu"
	"github.com/go-cashu/mint/crypto"
	"github.com/go-cashu/mint/mint/lightning"
	"github.com/go-cashu/mint/mint/storage"
	"github.com/tyler-smith/go-bip39"
)

// Mint is the injected ledger object: keyset manager + storage +
// Lightning adapter, composed once at startup and closed over by every
// HTTP handler. Tests swap storage and the Lightning client for
// in-memory/fake implementations.
type Mint struct {
	store           storage.MintStore
	lightningClient lightning.Client
	logger          *slog.Logger

	activeKeyset crypto.MintKeyset
	keysets      map[string]crypto.MintKeyset

	limits Limits
}

// Limits bounds the amounts the ledger will mint or melt in a single
// request (MaxMintAmount, MaxMeltAmount) and the total outstanding
// balance minting may raise it to (MaxBalance); zero means unlimited.
type Limits struct {
	MaxMintAmount uint64
	MaxMeltAmount uint64
	MaxBalance    uint64
}

// New loads or creates a seed from store, derives the active keyset at
// derivationPathIdx, and wires the ledger to lightningClient. On first
// boot it generates a fresh BIP-39 mnemonic and logs it once, the same
// way the reference wallet persists a mnemonic alongside the seed it
// derives from (wallet.Restore): record it, since NewFromMnemonic is
// the only way to recover this mint's keys onto a fresh store.
func New(store storage.MintStore, lightningClient lightning.Client, derivationPathIdx uint32, inputFeePpk uint, limits Limits, logger *slog.Logger) (*Mint, error) {
	seed, err := store.GetSeed()
	if err != nil {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return nil, fmt.Errorf("error generating seed entropy: %v", err)
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, fmt.Errorf("error generating mnemonic: %v", err)
		}
		seed = bip39.NewSeed(mnemonic, "")
		if err := store.SaveSeed(seed); err != nil {
			return nil, fmt.Errorf("error saving seed: %v", err)
		}
		if logger == nil {
			logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		}
		logger.Warn("generated a new mint seed; record this mnemonic now, it is the only way to recover it", "mnemonic", mnemonic)
	}

	return newWithSeed(store, lightningClient, seed, derivationPathIdx, inputFeePpk, limits, logger)
}

// NewFromMnemonic restores the mint's master seed from a previously
// recorded BIP-39 mnemonic instead of loading or generating one,
// mirroring wallet.Restore's bip39.NewSeed(mnemonic, "") derivation.
// It refuses to run against a store that already has a seed, to avoid
// silently overwriting a running mint's keys.
func NewFromMnemonic(store storage.MintStore, lightningClient lightning.Client, mnemonic string, derivationPathIdx uint32, inputFeePpk uint, limits Limits, logger *slog.Logger) (*Mint, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	if _, err := store.GetSeed(); err == nil {
		return nil, fmt.Errorf("mint already has a seed; refusing to restore over it")
	}

	seed := bip39.NewSeed(mnemonic, "")
	if err := store.SaveSeed(seed); err != nil {
		return nil, fmt.Errorf("error saving restored seed: %v", err)
	}

	return newWithSeed(store, lightningClient, seed, derivationPathIdx, inputFeePpk, limits, logger)
}

func newWithSeed(store storage.MintStore, lightningClient lightning.Client, seed []byte, derivationPathIdx uint32, inputFeePpk uint, limits Limits, logger *slog.Logger) (*Mint, error) {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %v", err)
	}

	activeKeyset, err := crypto.GenerateKeyset(master, derivationPathIdx, inputFeePpk)
	if err != nil {
		return nil, fmt.Errorf("error generating active keyset: %v", err)
	}

	if _, err := store.GetKeyset(activeKeyset.Id); err != nil {
		dbKeyset := storage.DBKeyset{
			Id:                activeKeyset.Id,
			Unit:              activeKeyset.Unit,
			Active:            true,
			DerivationPathIdx: derivationPathIdx,
			InputFeePpk:       inputFeePpk,
		}
		if err := store.StoreKeyset(dbKeyset); err != nil {
			return nil, fmt.Errorf("error storing active keyset: %v", err)
		}
	}

	// Reconcile against every keyset this mint has ever derived: proofs
	// signed under a prior derivation index must still verify after
	// rotation, so every persisted keyset is regenerated from the seed
	// and kept around, demoted to inactive unless it is activeKeyset.
	persisted, err := store.GetAllKeysets()
	if err != nil {
		return nil, fmt.Errorf("error loading persisted keysets: %v", err)
	}

	keysets := make(map[string]crypto.MintKeyset, len(persisted)+1)
	for _, dbKeyset := range persisted {
		if dbKeyset.Id == activeKeyset.Id {
			continue
		}
		ks, err := crypto.GenerateKeyset(master, dbKeyset.DerivationPathIdx, dbKeyset.InputFeePpk)
		if err != nil {
			return nil, fmt.Errorf("error regenerating keyset %s: %v", dbKeyset.Id, err)
		}
		ks.Active = false
		keysets[ks.Id] = *ks

		if dbKeyset.Active {
			if err := store.StoreKeyset(storage.DBKeyset{
				Id: dbKeyset.Id, Unit: dbKeyset.Unit, Active: false,
				DerivationPathIdx: dbKeyset.DerivationPathIdx, InputFeePpk: dbKeyset.InputFeePpk,
			}); err != nil {
				return nil, fmt.Errorf("error demoting keyset %s: %v", dbKeyset.Id, err)
			}
		}
	}
	keysets[activeKeyset.Id] = *activeKeyset

	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	m := &Mint{
		store:           store,
		lightningClient: lightningClient,
		logger:          logger,
		activeKeyset:    *activeKeyset,
		keysets:         keysets,
		limits:          limits,
	}
	logger.Info("mint keyset ready", "id", activeKeyset.Id, "keyset_count", len(keysets), "input_fee_ppk", activeKeyset.InputFeePpk)
	return m, nil
}

// logf preserves the call site of the mint method that logged, rather
// than this helper's own line, matching the reference mint's logging.
func (m *Mint) logf(level slog.Level, format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

// GetKeyset returns the active keyset when id is empty, or the keyset
// registered under id.
func (m *Mint) GetKeyset(id string) (crypto.MintKeyset, error) {
	if id == "" {
		return m.activeKeyset, nil
	}
	ks, ok := m.keysets[id]
	if !ok {
		return crypto.MintKeyset{}, cashu.ErrUnknownKeyset
	}
	return ks, nil
}

func (m *Mint) GetActiveKeyset() crypto.MintKeyset {
	return m.activeKeyset
}

func (m *Mint) Keysets() []crypto.MintKeyset {
	keysets := make([]crypto.MintKeyset, 0, len(m.keysets))
	for _, ks := range m.keysets {
		keysets = append(keysets, ks)
	}
	return keysets
}

// RequestMint asks the Lightning backend for an invoice of amount and
// persists it unpaid, per spec §4.3.
func (m *Mint) RequestMint(ctx context.Context, amount uint64) (paymentRequest, paymentHash string, err error) {
	if m.limits.MaxMintAmount > 0 && amount > m.limits.MaxMintAmount {
		return "", "", cashu.BuildError("amount exceeds mint limit", cashu.KindAmountMismatch)
	}

	paymentRequest, paymentHash, err = m.lightningClient.CreateInvoice(ctx, amount)
	if err != nil {
		return "", "", cashu.BuildError(fmt.Sprintf("could not create invoice: %v", err), cashu.KindLightningPaymentFailed)
	}

	invoice := storage.Invoice{
		PaymentHash:    paymentHash,
		PaymentRequest: paymentRequest,
		Amount:         amount,
		State:          storage.Unpaid,
	}
	if err := m.store.StoreInvoice(invoice); err != nil {
		return "", "", cashu.BuildError(fmt.Sprintf("could not persist invoice: %v", err), cashu.KindMalformedRequest)
	}

	m.logf(slog.LevelInfo, "requested invoice for %d sats, hash %s", amount, paymentHash)
	return paymentRequest, paymentHash, nil
}

// Mint verifies the invoice identified by paymentHash has been paid and
// signs outputs against it, per spec §4.3.
func (m *Mint) Mint(ctx context.Context, outputs cashu.BlindedMessages, paymentHash string) (cashu.BlindedSignatures, error) {
	invoice, err := m.store.GetInvoice(paymentHash)
	if err != nil {
		return nil, cashu.ErrInvoiceNotFound
	}
	if invoice.State == storage.Issued {
		return nil, cashu.ErrInvoiceAlreadyIssued
	}

	outputsAmount, overflow := sumBlindedMessages(outputs)
	if overflow || outputsAmount != invoice.Amount {
		return nil, cashu.ErrAmountMismatch
	}

	if m.limits.MaxBalance > 0 {
		balance, err := m.outstandingBalance()
		if err != nil {
			return nil, err
		}
		if balance+outputsAmount > m.limits.MaxBalance {
			return nil, cashu.BuildError("mint balance limit reached", cashu.KindAmountMismatch)
		}
	}

	paid, err := m.lightningClient.IsInvoicePaid(ctx, paymentHash)
	if err != nil {
		return nil, cashu.BuildError(fmt.Sprintf("could not check invoice status: %v", err), cashu.KindLightningPaymentFailed)
	}
	if !paid {
		return nil, cashu.ErrInvoiceUnpaid
	}

	// WithTx only serializes concurrent callers; it does not roll back
	// on error (see storage.MintStore.WithTx). So the issued state is
	// re-read inside it, and promises are stored before the invoice is
	// marked issued: if StorePromises fails, the invoice is left
	// un-issued and a retry re-signs and re-stores rather than leaving
	// it issued with nothing to show for it.
	var signatures cashu.BlindedSignatures
	err = m.store.WithTx(func(tx storage.MintStore) error {
		current, err := tx.GetInvoice(paymentHash)
		if err != nil {
			return cashu.ErrInvoiceNotFound
		}
		if current.State == storage.Issued {
			return cashu.ErrInvoiceAlreadyIssued
		}
		var signErr error
		signatures, signErr = m.signOutputs(outputs)
		if signErr != nil {
			return signErr
		}
		for _, ks := range groupByKeyset(signatures) {
			if err := tx.StorePromises(ks.id, ks.sigs); err != nil {
				return err
			}
		}
		return tx.UpdateInvoiceIssued(paymentHash, true)
	})
	if err != nil {
		return nil, err
	}

	m.logf(slog.LevelInfo, "issued %d signatures for invoice %s", len(signatures), paymentHash)
	return signatures, nil
}

// outstandingBalance sums, across every keyset, promises issued minus
// proofs already redeemed, i.e. the total value a holder could still
// present back to this mint. Used to enforce Limits.MaxBalance.
func (m *Mint) outstandingBalance() (uint64, error) {
	var total uint64
	for id := range m.keysets {
		promises, err := m.store.GetPromisesByKeyset(id)
		if err != nil {
			return 0, cashu.BuildError(fmt.Sprintf("could not read promises: %v", err), cashu.KindMalformedRequest)
		}
		redeemed, err := m.store.GetProofsByKeyset(id)
		if err != nil {
			return 0, cashu.BuildError(fmt.Sprintf("could not read redeemed proofs: %v", err), cashu.KindMalformedRequest)
		}
		total += promises.Amount() - redeemed.Amount()
	}
	return total, nil
}

// CheckFees computes the Lightning fee reserve the mint demands before
// attempting a melt, per spec §4.4. Mint-internal invoices (an invoice
// this same mint previously issued) settle for free.
func (m *Mint) CheckFees(ctx context.Context, paymentRequest string) (uint64, error) {
	decoded, err := m.lightningClient.Decode(paymentRequest)
	if err != nil {
		return 0, cashu.BuildError(fmt.Sprintf("invalid invoice: %v", err), cashu.KindMalformedRequest)
	}

	if _, err := m.store.GetInvoice(decoded.PaymentHash); err == nil {
		return 0, nil
	}

	return m.lightningClient.FeeReserve(decoded.Amount), nil
}

// Melt verifies proofs, pre-marks their secrets spent, and asks the
// Lightning backend to pay paymentRequest, per spec §4.4.
func (m *Mint) Melt(ctx context.Context, proofs cashu.Proofs, paymentRequest string, outputs cashu.BlindedMessages) (ok bool, preimage string, change cashu.BlindedSignatures, err error) {
	decoded, err := m.lightningClient.Decode(paymentRequest)
	if err != nil {
		return false, "", nil, cashu.BuildError(fmt.Sprintf("invalid invoice: %v", err), cashu.KindMalformedRequest)
	}
	if m.limits.MaxMeltAmount > 0 && decoded.Amount > m.limits.MaxMeltAmount {
		return false, "", nil, cashu.BuildError("amount exceeds melt limit", cashu.KindAmountMismatch)
	}

	fee, err := m.CheckFees(ctx, paymentRequest)
	if err != nil {
		return false, "", nil, err
	}

	proofsAmount := proofs.Amount()
	if proofsAmount < decoded.Amount+fee {
		return false, "", nil, cashu.ErrInsufficientFunds
	}

	if err := m.verifyProofs(proofs); err != nil {
		return false, "", nil, err
	}

	// pre-mark: insert before attempting payment so a concurrent melt
	// or split on the same proofs loses the race right here.
	if err := m.store.InsertSpentProofs(proofs); err != nil {
		return false, "", nil, err
	}

	result, payErr := m.lightningClient.PayInvoice(ctx, paymentRequest, fee)
	if payErr != nil || (!result.Ok && result.Final) {
		if rollbackErr := m.rollbackSpent(proofs); rollbackErr != nil {
			return false, "", nil, rollbackErr
		}
		m.logf(slog.LevelInfo, "melt payment failed for invoice hash %s, rolled back %d proofs", decoded.PaymentHash, len(proofs))
		return false, "", nil, nil
	}
	if !result.Ok && !result.Final {
		// unresolved: leave the pre-mark in place for reconciliation.
		m.logf(slog.LevelInfo, "melt payment for invoice hash %s is pending", decoded.PaymentHash)
		return false, "", nil, nil
	}

	// The Lightning payment has already gone out and cannot be undone,
	// so from here on Melt always reports ok=true: change is a bonus on
	// top of a settled payment, never a reason to fail it.
	overpayment := proofsAmount - decoded.Amount - result.ActualFee
	change, changeErr := m.takeChange(outputs, overpayment)
	if changeErr != nil {
		m.logf(slog.LevelError, "failed to issue change for invoice hash %s: %v", decoded.PaymentHash, changeErr)
		change = nil
	}

	return true, result.Preimage, change, nil
}

func (m *Mint) rollbackSpent(proofs cashu.Proofs) error {
	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	return m.store.DeleteSpentProofs(secrets)
}

// takeChange signs a greedy prefix of outputs, taken in the order
// supplied, up to overpayment; any outputs beyond that are discarded
// rather than rejected (spec §4: "taken greedily in the order
// supplied, up to the overpayment amount. Remaining unused outputs
// are discarded").
func (m *Mint) takeChange(outputs cashu.BlindedMessages, overpayment uint64) (cashu.BlindedSignatures, error) {
	outputs = outputs[:changePrefixCount(outputs, overpayment)]
	if len(outputs) == 0 {
		return nil, nil
	}

	signatures, err := m.signOutputs(outputs)
	if err != nil {
		return nil, err
	}
	for _, ks := range groupByKeyset(signatures) {
		if err := m.store.StorePromises(ks.id, ks.sigs); err != nil {
			return nil, err
		}
	}
	return signatures, nil
}

// changePrefixCount returns how many leading outputs, taken in order,
// fit within overpayment without exceeding it.
func changePrefixCount(outputs cashu.BlindedMessages, overpayment uint64) int {
	var running uint64
	for i, out := range outputs {
		next := running + out.Amount
		if next > overpayment {
			return i
		}
		running = next
	}
	return len(outputs)
}

// Reconcile re-queries the Lightning adapter for a payment whose
// outcome was left unknown (timeout, crash between pre-mark and
// payment attempt) and removes the pre-mark if the backend now
// reports it unpaid, per spec §4.4/§9 Open Question (c).
func (m *Mint) Reconcile(ctx context.Context, paymentHash string, proofs cashu.Proofs) error {
	paid, err := m.lightningClient.IsInvoicePaid(ctx, paymentHash)
	if err != nil {
		return cashu.BuildError(fmt.Sprintf("could not reconcile payment: %v", err), cashu.KindLightningPaymentFailed)
	}
	if !paid {
		return m.rollbackSpent(proofs)
	}
	return nil
}

// Split re-blinds the value held across proofs into two new sets of
// denominations, per spec §4.5.
func (m *Mint) Split(ctx context.Context, proofs cashu.Proofs, amount uint64, outputs cashu.BlindedMessages) (fst, snd cashu.BlindedSignatures, err error) {
	if err := m.verifyProofs(proofs); err != nil {
		return nil, nil, err
	}

	proofsAmount := proofs.Amount()
	outputsAmount, overflow := sumBlindedMessages(outputs)
	if overflow || outputsAmount != proofsAmount {
		return nil, nil, cashu.ErrAmountMismatch
	}

	splitIdx, ok := splitPrefixIndex(outputs, amount)
	if !ok {
		return nil, nil, cashu.BuildError("outputs do not split cleanly at amount", cashu.KindAmountMismatch)
	}

	if err := m.store.InsertSpentProofs(proofs); err != nil {
		return nil, nil, err
	}

	signatures, err := m.signOutputs(outputs)
	if err != nil {
		_ = m.rollbackSpent(proofs)
		return nil, nil, err
	}
	for _, ks := range groupByKeyset(signatures) {
		if err := m.store.StorePromises(ks.id, ks.sigs); err != nil {
			_ = m.rollbackSpent(proofs)
			return nil, nil, err
		}
	}

	return signatures[:splitIdx], signatures[splitIdx:], nil
}

// splitPrefixIndex returns the index at which the leading prefix of
// outputs sums exactly to amount.
func splitPrefixIndex(outputs cashu.BlindedMessages, amount uint64) (int, bool) {
	var running uint64
	for i, out := range outputs {
		running += out.Amount
		if running == amount {
			return i + 1, true
		}
		if running > amount {
			return 0, false
		}
	}
	return 0, false
}

// CheckSpendable reports, per proof, whether its secret is still
// outside the spent-set, per spec §4.6. It does not modify state.
func (m *Mint) CheckSpendable(proofs cashu.Proofs) ([]bool, error) {
	spendable := make([]bool, len(proofs))
	for i, proof := range proofs {
		spent, err := m.store.IsSecretSpent(proof.Secret)
		if err != nil {
			return nil, cashu.BuildError(fmt.Sprintf("could not check spent-set: %v", err), cashu.KindMalformedRequest)
		}
		spendable[i] = !spent
	}
	return spendable, nil
}

func (m *Mint) verifyProofs(proofs cashu.Proofs) error {
	if len(proofs) == 0 {
		return cashu.BuildError("no proofs provided", cashu.KindMalformedRequest)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.BuildError("duplicate proofs in request", cashu.KindMalformedRequest)
	}

	for _, proof := range proofs {
		spent, err := m.store.IsSecretSpent(proof.Secret)
		if err != nil {
			return cashu.BuildError(fmt.Sprintf("could not check spent-set: %v", err), cashu.KindMalformedRequest)
		}
		if spent {
			return cashu.ErrProofAlreadySpent
		}

		keyset, ok := m.keysets[proof.Id]
		if !ok {
			return cashu.ErrUnknownKeyset
		}
		keypair, ok := keyset.Keys[proof.Amount]
		if !ok {
			return cashu.ErrInvalidProofSignature
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return cashu.BuildError(fmt.Sprintf("invalid C: %v", err), cashu.KindInvalidPoint)
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.BuildError(fmt.Sprintf("invalid C: %v", err), cashu.KindInvalidPoint)
		}

		if !crypto.Verify([]byte(proof.Secret), keypair.PrivateKey, C) {
			return cashu.ErrInvalidProofSignature
		}
	}
	return nil
}

func (m *Mint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, out := range outputs {
		keyset, ok := m.keysets[out.Id]
		if !ok {
			return nil, cashu.ErrUnknownKeyset
		}
		keypair, ok := keyset.Keys[out.Amount]
		if !ok {
			return nil, cashu.ErrAmountMismatch
		}

		B_bytes, err := hex.DecodeString(out.B_)
		if err != nil {
			return nil, cashu.BuildError(fmt.Sprintf("invalid B_: %v", err), cashu.KindInvalidPoint)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildError(fmt.Sprintf("invalid B_: %v", err), cashu.KindInvalidPoint)
		}

		C_ := crypto.SignBlindedMessage(B_, keypair.PrivateKey)
		dleq, err := crypto.GenerateDLEQ(keypair.PrivateKey, B_, C_, nil)
		if err != nil {
			return nil, cashu.BuildError(fmt.Sprintf("could not generate dleq: %v", err), cashu.KindMalformedRequest)
		}

		eBytes := dleq.E.Bytes()
		sBytes := dleq.S.Bytes()
		signatures[i] = cashu.BlindedSignature{
			Amount: out.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(eBytes[:]),
				S: hex.EncodeToString(sBytes[:]),
			},
		}
	}
	return signatures, nil
}

type keysetSignatures struct {
	id   string
	sigs cashu.BlindedSignatures
}

func groupByKeyset(signatures cashu.BlindedSignatures) []keysetSignatures {
	order := make([]string, 0, 2)
	byId := make(map[string]cashu.BlindedSignatures)
	for _, sig := range signatures {
		if _, ok := byId[sig.Id]; !ok {
			order = append(order, sig.Id)
		}
		byId[sig.Id] = append(byId[sig.Id], sig)
	}
	groups := make([]keysetSignatures, len(order))
	for i, id := range order {
		groups[i] = keysetSignatures{id: id, sigs: byId[id]}
	}
	return groups
}

// sumBlindedMessages sums amounts, reporting overflow rather than
// wrapping past math.MaxUint64.
func sumBlindedMessages(msgs cashu.BlindedMessages) (total uint64, overflow bool) {
	for _, msg := range msgs {
		next := total + msg.Amount
		if next < total {
			return 0, true
		}
		total = next
	}
	return total, false
}

