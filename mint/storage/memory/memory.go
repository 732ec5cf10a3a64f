// Package memory implements an in-memory storage.MintStore for tests:
// the ledger's unit tests and concurrency tests swap this in for a
// durable backend so they run without touching disk.
package memory

import (
	"sync"

	"github.com/go-cashu/mint/cashu"
	"github.com/go-cashu/mint/mint/storage"
)

type Store struct {
	mu sync.Mutex
	// txMu serializes WithTx's compound sequences against each other,
	// mirroring the bbolt backend's WithTx mutex; individual methods
	// still take mu for their own single-field access.
	txMu sync.Mutex

	seed     []byte
	keysets  map[string]storage.DBKeyset
	invoices map[string]storage.Invoice
	spent    map[string]cashu.Proof
	promises map[string]cashu.BlindedSignatures // keyset id -> promises
}

func New() *Store {
	return &Store{
		keysets:  make(map[string]storage.DBKeyset),
		invoices: make(map[string]storage.Invoice),
		spent:    make(map[string]cashu.Proof),
		promises: make(map[string]cashu.BlindedSignatures),
	}
}

func (s *Store) GetInvoice(paymentHash string) (storage.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.invoices[paymentHash]
	if !ok {
		return storage.Invoice{}, cashu.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Store) StoreInvoice(invoice storage.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoices[invoice.PaymentHash] = invoice
	return nil
}

func (s *Store) UpdateInvoiceIssued(paymentHash string, issued bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.invoices[paymentHash]
	if !ok {
		return cashu.ErrInvoiceNotFound
	}
	if issued {
		invoice.State = storage.Issued
	}
	s.invoices[paymentHash] = invoice
	return nil
}

func (s *Store) IsSecretSpent(secret string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, spent := s.spent[secret]
	return spent, nil
}

// InsertSpentProofs is the critical section the no-double-spend
// invariant rests on: it rejects the whole batch, without inserting
// any of it, the moment one secret is already present.
func (s *Store) InsertSpentProofs(proofs cashu.Proofs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(proofs))
	for _, proof := range proofs {
		if _, exists := s.spent[proof.Secret]; exists || seen[proof.Secret] {
			return cashu.ErrProofAlreadySpent
		}
		seen[proof.Secret] = true
	}
	for _, proof := range proofs {
		s.spent[proof.Secret] = proof
	}
	return nil
}

func (s *Store) DeleteSpentProofs(secrets []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, secret := range secrets {
		delete(s.spent, secret)
	}
	return nil
}

func (s *Store) StorePromises(keysetId string, promises cashu.BlindedSignatures) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.promises[keysetId] = append(s.promises[keysetId], promises...)
	return nil
}

func (s *Store) GetPromisesByKeyset(keysetId string) (cashu.BlindedSignatures, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.promises[keysetId], nil
}

func (s *Store) GetProofsByKeyset(keysetId string) (cashu.Proofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var proofs cashu.Proofs
	for _, proof := range s.spent {
		if proof.Id == keysetId {
			proofs = append(proofs, proof)
		}
	}
	return proofs, nil
}

func (s *Store) GetKeyset(id string) (storage.DBKeyset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ks, ok := s.keysets[id]
	if !ok {
		return storage.DBKeyset{}, cashu.ErrUnknownKeyset
	}
	return ks, nil
}

func (s *Store) GetAllKeysets() ([]storage.DBKeyset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keysets := make([]storage.DBKeyset, 0, len(s.keysets))
	for _, ks := range s.keysets {
		keysets = append(keysets, ks)
	}
	return keysets, nil
}

func (s *Store) StoreKeyset(ks storage.DBKeyset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keysets[ks.Id] = ks
	return nil
}

func (s *Store) GetSeed() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seed == nil {
		return nil, cashu.BuildError("no seed stored", cashu.KindMalformedRequest)
	}
	return s.seed, nil
}

func (s *Store) SaveSeed(seed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seed = seed
	return nil
}

// WithTx serializes the whole compound sequence fn makes through tx
// under txMu, so two concurrent Mint calls for the same payment hash
// can't both observe it unissued before either persists its promises.
func (s *Store) WithTx(fn func(tx storage.MintStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(s)
}

func (s *Store) Close() error {
	return nil
}
