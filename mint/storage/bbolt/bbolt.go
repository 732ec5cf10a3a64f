// Package bbolt persists mint state in a local bbolt key-value file.
// Adapted from the reference mint's own bolt-backed store: one bucket
// per record kind, JSON-encoded values, update/view transactions.
package bbolt

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-cashu/mint/cashu"
	"github.com/go-cashu/mint/mint/storage"
	bolt "go.etcd.io/bbolt"
)

const (
	seedBucket     = "seed"
	keysetsBucket  = "keysets"
	invoicesBucket = "invoices"
	spentBucket    = "spent_proofs"
	promisesBucket = "promises"

	seedKey = "seed"
)

type Store struct {
	db *bolt.DB
	// serializes the compound sequences run through WithTx (Mint's);
	// bbolt already serializes writers internally, but WithTx needs to
	// hold that same writer lock across several calls made through tx.
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(path, "mint.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening bolt db: %v", err)
	}

	store := &Store{db: db}
	if err := store.init(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{seedBucket, keysetsBucket, invoicesBucket, spentBucket, promisesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetInvoice(paymentHash string) (storage.Invoice, error) {
	var invoice storage.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(invoicesBucket)).Get([]byte(paymentHash))
		if data == nil {
			return cashu.ErrInvoiceNotFound
		}
		return json.Unmarshal(data, &invoice)
	})
	return invoice, err
}

func (s *Store) StoreInvoice(invoice storage.Invoice) error {
	data, err := json.Marshal(invoice)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(invoicesBucket)).Put([]byte(invoice.PaymentHash), data)
	})
}

func (s *Store) UpdateInvoiceIssued(paymentHash string, issued bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(invoicesBucket))
		data := b.Get([]byte(paymentHash))
		if data == nil {
			return cashu.ErrInvoiceNotFound
		}
		var invoice storage.Invoice
		if err := json.Unmarshal(data, &invoice); err != nil {
			return err
		}
		if issued {
			invoice.State = storage.Issued
		}
		updated, err := json.Marshal(invoice)
		if err != nil {
			return err
		}
		return b.Put([]byte(paymentHash), updated)
	})
}

func (s *Store) IsSecretSpent(secret string) (bool, error) {
	var spent bool
	err := s.db.View(func(tx *bolt.Tx) error {
		spent = tx.Bucket([]byte(spentBucket)).Get([]byte(secret)) != nil
		return nil
	})
	return spent, err
}

func (s *Store) InsertSpentProofs(proofs cashu.Proofs) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(spentBucket))
		seen := make(map[string]bool, len(proofs))
		for _, proof := range proofs {
			if b.Get([]byte(proof.Secret)) != nil || seen[proof.Secret] {
				return cashu.ErrProofAlreadySpent
			}
			seen[proof.Secret] = true
		}
		for _, proof := range proofs {
			data, err := json.Marshal(proof)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(proof.Secret), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteSpentProofs(secrets []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(spentBucket))
		for _, secret := range secrets {
			if err := b.Delete([]byte(secret)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) StorePromises(keysetId string, promises cashu.BlindedSignatures) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(promisesBucket))
		existing := b.Get([]byte(keysetId))
		var all cashu.BlindedSignatures
		if existing != nil {
			if err := json.Unmarshal(existing, &all); err != nil {
				return err
			}
		}
		all = append(all, promises...)
		data, err := json.Marshal(all)
		if err != nil {
			return err
		}
		return b.Put([]byte(keysetId), data)
	})
}

func (s *Store) GetPromisesByKeyset(keysetId string) (cashu.BlindedSignatures, error) {
	var promises cashu.BlindedSignatures
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(promisesBucket)).Get([]byte(keysetId))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &promises)
	})
	return promises, err
}

func (s *Store) GetProofsByKeyset(keysetId string) (cashu.Proofs, error) {
	var proofs cashu.Proofs
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(spentBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var proof cashu.Proof
			if err := json.Unmarshal(v, &proof); err != nil {
				return err
			}
			if proof.Id == keysetId {
				proofs = append(proofs, proof)
			}
		}
		return nil
	})
	return proofs, err
}

func (s *Store) GetKeyset(id string) (storage.DBKeyset, error) {
	var ks storage.DBKeyset
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(keysetsBucket)).Get([]byte(id))
		if data == nil {
			return cashu.ErrUnknownKeyset
		}
		return json.Unmarshal(data, &ks)
	})
	return ks, err
}

func (s *Store) GetAllKeysets() ([]storage.DBKeyset, error) {
	var keysets []storage.DBKeyset
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(keysetsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ks storage.DBKeyset
			if err := json.Unmarshal(v, &ks); err != nil {
				return err
			}
			keysets = append(keysets, ks)
		}
		return nil
	})
	return keysets, err
}

func (s *Store) StoreKeyset(ks storage.DBKeyset) error {
	data, err := json.Marshal(ks)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysetsBucket)).Put([]byte(ks.Id), data)
	})
}

func (s *Store) GetSeed() ([]byte, error) {
	var seed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(seedBucket)).Get([]byte(seedKey))
		if data == nil {
			return cashu.BuildError("no seed stored", cashu.KindMalformedRequest)
		}
		seed = append([]byte(nil), data...)
		return nil
	})
	return seed, err
}

func (s *Store) SaveSeed(seed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(seedBucket)).Put([]byte(seedKey), seed)
	})
}

// WithTx serializes the compound operation under a single mutex held
// across the whole callback. bbolt already serializes writers against
// each other, but that guarantee is per db.Update call; this mutex
// extends it across the several calls Mint makes through tx.
func (s *Store) WithTx(fn func(tx storage.MintStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

func (s *Store) Close() error {
	return s.db.Close()
}
