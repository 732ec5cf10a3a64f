// Package crypto implements the Blind Diffie-Hellman Key Exchange (BDHKE)
// and its accompanying discrete-log-equality proof (DLEQ), the primitive
// set a Chaumian mint uses to issue and verify unlinkable bearer tokens.
package crypto

import (
	"crypto/sha256"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	ErrScalarOutOfRange = errors.New("scalar out of range")
)

// HashToCurve deterministically maps an arbitrary message onto a point on
// the secp256k1 curve. There is no domain separator: the digest is
// reinterpreted as a compressed point with prefix 0x02, and on failure the
// digest itself becomes the next message to hash. This never fails in
// practice and matches the reference test vectors exactly.
func HashToCurve(message []byte) *secp256k1.PublicKey {
	var point *secp256k1.PublicKey

	for point == nil || !point.IsOnCurve() {
		hash := sha256.Sum256(message)
		pkhash := append([]byte{0x02}, hash[:]...)
		point, _ = secp256k1.ParsePubKey(pkhash)
		message = hash[:]
	}
	return point
}

// BlindMessage is step1_alice: Y = hash_to_curve(secret); B_ = Y + r*G.
// blindingFactor is the 32-byte scalar r; pass nil to draw a fresh CSPRNG
// scalar. Returns the blinded point and the blinding factor used, so a
// caller that didn't supply one can retain it for step3_alice.
func BlindMessage(secret []byte, blindingFactor []byte) (*secp256k1.PublicKey, *secp256k1.PrivateKey, error) {
	var ypoint, rpoint, blindedMessage secp256k1.JacobianPoint

	Y := HashToCurve(secret)
	Y.AsJacobian(&ypoint)

	var r *secp256k1.PrivateKey
	if blindingFactor == nil {
		var err error
		r, err = secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, err
		}
	} else {
		var overflow bool
		r, overflow = btcec.PrivKeyFromBytes(blindingFactor)
		if overflow {
			return nil, nil, ErrScalarOutOfRange
		}
	}
	rpub := r.PubKey()
	rpub.AsJacobian(&rpoint)

	secp256k1.AddNonConst(&ypoint, &rpoint, &blindedMessage)
	blindedMessage.ToAffine()
	B_ := secp256k1.NewPublicKey(&blindedMessage.X, &blindedMessage.Y)

	return B_, r, nil
}

// SignBlindedMessage is step2_bob: C_ = a*B_, the mint's blind signature
// over a wallet-supplied blinded point.
func SignBlindedMessage(B_ *secp256k1.PublicKey, a *secp256k1.PrivateKey) *secp256k1.PublicKey {
	var bpoint, result secp256k1.JacobianPoint
	B_.AsJacobian(&bpoint)

	secp256k1.ScalarMultNonConst(&a.Key, &bpoint, &result)
	result.ToAffine()
	C_ := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C_
}

// UnblindSignature is step3_alice: C = C_ - r*K, recovering the mint's
// unblinded signature over the original secret.
func UnblindSignature(C_ *secp256k1.PublicKey, r *secp256k1.PrivateKey, K *secp256k1.PublicKey) *secp256k1.PublicKey {
	var Kpoint, rKPoint, CPoint secp256k1.JacobianPoint
	K.AsJacobian(&Kpoint)

	var rNeg secp256k1.ModNScalar
	rNeg.NegateVal(&r.Key)

	secp256k1.ScalarMultNonConst(&rNeg, &Kpoint, &rKPoint)

	var C_Point secp256k1.JacobianPoint
	C_.AsJacobian(&C_Point)
	secp256k1.AddNonConst(&C_Point, &rKPoint, &CPoint)
	CPoint.ToAffine()

	return secp256k1.NewPublicKey(&CPoint.X, &CPoint.Y)
}

// Verify checks that C == a*hash_to_curve(secret), the mint-side check
// that an unblinded proof was genuinely signed with key a.
func Verify(secret []byte, a *secp256k1.PrivateKey, C *secp256k1.PublicKey) bool {
	var Ypoint, result secp256k1.JacobianPoint
	Y := HashToCurve(secret)
	Y.AsJacobian(&Ypoint)

	secp256k1.ScalarMultNonConst(&a.Key, &Ypoint, &result)
	result.ToAffine()
	pk := secp256k1.NewPublicKey(&result.X, &result.Y)

	return C.IsEqual(pk)
}
