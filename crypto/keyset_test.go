package crypto

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

func testMaster(t *testing.T) *hdkeychain.ExtendedKey {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("error deriving master key: %v", err)
	}
	return master
}

func TestDeriveKeysetIdShapeAndStability(t *testing.T) {
	master := testMaster(t)

	ks, err := GenerateKeyset(master, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ks.Id) != 12 {
		t.Fatalf("expected a 12-character keyset id, got %q (%d chars)", ks.Id, len(ks.Id))
	}

	again := DeriveKeysetId(ks.PublicKeys())
	if again != ks.Id {
		t.Fatalf("expected deriving the id twice from the same keys to be stable: %q != %q", again, ks.Id)
	}
}

func TestDeriveKeysetIdChangesWithDerivationIndex(t *testing.T) {
	master := testMaster(t)

	ks0, err := GenerateKeyset(master, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ks1, err := GenerateKeyset(master, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ks0.Id == ks1.Id {
		t.Fatal("expected different derivation indices to produce different keyset ids")
	}
}

func TestPublicKeysMarshalRoundTrip(t *testing.T) {
	master := testMaster(t)
	ks, err := GenerateKeyset(master, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := ks.PublicKeys().MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error marshaling public keys: %v", err)
	}

	got := make(PublicKeys)
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unexpected error unmarshaling public keys: %v", err)
	}

	for amount, pk := range ks.PublicKeys() {
		gotPk, ok := got[amount]
		if !ok {
			t.Fatalf("missing amount %d after round trip", amount)
		}
		if !gotPk.IsEqual(pk) {
			t.Fatalf("public key mismatch for amount %d", amount)
		}
	}
}

func TestMintKeysetMarshalRoundTrip(t *testing.T) {
	master := testMaster(t)
	ks, err := GenerateKeyset(master, 0, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := ks.MarshalJSON()
	if err != nil {
		t.Fatalf("unexpected error marshaling keyset: %v", err)
	}

	var got MintKeyset
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatalf("unexpected error unmarshaling keyset: %v", err)
	}

	if got.Id != ks.Id || got.Unit != ks.Unit || got.InputFeePpk != ks.InputFeePpk {
		t.Fatalf("round-tripped keyset metadata mismatch: got %+v, want id=%s unit=%s fee=%d", got, ks.Id, ks.Unit, ks.InputFeePpk)
	}
	if len(got.Keys) != len(ks.Keys) {
		t.Fatalf("expected %d keys after round trip, got %d", len(ks.Keys), len(got.Keys))
	}
}
