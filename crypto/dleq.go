package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// DLEQProof is the non-interactive discrete-log-equality proof a mint
// attaches to a blind signature, letting the wallet confirm the signature
// was produced with the key the mint publishes for that amount without
// the mint learning which proof it is ever asked to verify.
type DLEQProof struct {
	E *secp256k1.ModNScalar
	S *secp256k1.ModNScalar
}

// hashE is hash_e: SHA256 over the ASCII-hex encoding of the four
// uncompressed (0x04-prefixed, 65-byte) points concatenated, in order
// R1, R2, K, C_. Both the ASCII-hex (not raw-byte) encoding and the
// uncompressed point form are fixed by the reference test vectors.
func hashE(R1, R2, K, C_ *secp256k1.PublicKey) [32]byte {
	buf := make([]byte, 0, 4*2*65)
	buf = appendHex(buf, R1.SerializeUncompressed())
	buf = appendHex(buf, R2.SerializeUncompressed())
	buf = appendHex(buf, K.SerializeUncompressed())
	buf = appendHex(buf, C_.SerializeUncompressed())
	return sha256.Sum256(buf)
}

func appendHex(dst, src []byte) []byte {
	enc := make([]byte, hex.EncodedLen(len(src)))
	hex.Encode(enc, src)
	return append(dst, enc...)
}

// GenerateDLEQ is step2_bob_dleq: given the mint's private key a for this
// amount and the blinded/signed point pair (B_, C_), produce (e, s) that
// proves log_G(K) = log_B_(C_) for K = a*G.
//
// nonce is the per-signature scalar p; pass nil in production to draw a
// fresh CSPRNG scalar. Tests inject a fixed nonce to reproduce known
// vectors — this dual mode must never let a fixed nonce reach a
// production signing path.
func GenerateDLEQ(a *secp256k1.PrivateKey, B_, C_ *secp256k1.PublicKey, nonce *secp256k1.PrivateKey) (*DLEQProof, error) {
	p := nonce
	if p == nil {
		var err error
		p, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
	}

	R1 := p.PubKey()

	var bpoint, r2point secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(&p.Key, &bpoint, &r2point)
	r2point.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2point.X, &r2point.Y)

	K := a.PubKey()

	eBytes := hashE(R1, R2, K, C_)
	var e secp256k1.ModNScalar
	e.SetBytes(&eBytes)

	var s secp256k1.ModNScalar
	s.Mul2(&e, &a.Key).Add(&p.Key)

	return &DLEQProof{E: &e, S: &s}, nil
}

// VerifyDLEQ is alice_verify_dleq: recompute R1 = s*G - e*K and
// R2 = s*B_ - e*C_, then accept iff hash_e(R1, R2, K, C_) equals e.
// Subtraction is implemented as addition with a negated scalar, the same
// trick UnblindSignature uses for C_ - r*K.
func VerifyDLEQ(proof *DLEQProof, K, B_, C_ *secp256k1.PublicKey) bool {
	if proof == nil || proof.E == nil || proof.S == nil {
		return false
	}

	var eNeg secp256k1.ModNScalar
	eNeg.NegateVal(proof.E)

	sG := secp256k1.NewPrivateKey(proof.S).PubKey()

	var kpoint, negEKpoint, sGpoint, r1 secp256k1.JacobianPoint
	K.AsJacobian(&kpoint)
	secp256k1.ScalarMultNonConst(&eNeg, &kpoint, &negEKpoint)
	sG.AsJacobian(&sGpoint)
	secp256k1.AddNonConst(&sGpoint, &negEKpoint, &r1)
	r1.ToAffine()
	R1 := secp256k1.NewPublicKey(&r1.X, &r1.Y)

	var bpoint, cpoint, negECpoint, sBpoint, r2 secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)
	secp256k1.ScalarMultNonConst(proof.S, &bpoint, &sBpoint)
	C_.AsJacobian(&cpoint)
	secp256k1.ScalarMultNonConst(&eNeg, &cpoint, &negECpoint)
	secp256k1.AddNonConst(&sBpoint, &negECpoint, &r2)
	r2.ToAffine()
	R2 := secp256k1.NewPublicKey(&r2.X, &r2.Y)

	got := hashE(R1, R2, K, C_)
	var gotScalar secp256k1.ModNScalar
	gotScalar.SetBytes(&got)

	return gotScalar.Equals(proof.E)
}
