package lntypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// HashSize is the size of a payment hash.
const HashSize = 32

// Hash is the payment hash of an invoice.
type Hash [HashSize]byte

// String returns the Hash as a hexadecimal string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MakeHashFromStr parses a hex encoded payment hash.
func MakeHashFromStr(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid hash string length of %v, want %v",
			len(s), HashSize*2)
	}

	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, err
	}

	return h, nil
}

// PreimageSize is the size of a payment preimage.
const PreimageSize = 32

// Preimage is the secret revealed when an HTLC settles.
type Preimage [PreimageSize]byte

// String returns the Preimage as a hexadecimal string.
func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}

// Hash returns the payment hash committing to the preimage.
func (p Preimage) Hash() Hash {
	return Hash(sha256.Sum256(p[:]))
}

// Matches returns whether the preimage hashes to h.
func (p Preimage) Matches(h Hash) bool {
	return p.Hash() == h
}

// mSatScale is the number of milli-satoshis in one satoshi.
const mSatScale uint64 = 1000

// MilliSatoshi is the unit all Lightning amounts and budgets are expressed in.
type MilliSatoshi uint64

// NewMSatFromSatoshis converts an on-chain amount into milli-satoshis.
func NewMSatFromSatoshis(sat btcutil.Amount) MilliSatoshi {
	return MilliSatoshi(uint64(sat) * mSatScale)
}

// ToSatoshis rounds down to whole satoshis.
func (m MilliSatoshi) ToSatoshis() btcutil.Amount {
	return btcutil.Amount(uint64(m) / mSatScale)
}

// String returns the amount in milli-satoshis with its unit.
func (m MilliSatoshi) String() string {
	return fmt.Sprintf("%v mSAT", uint64(m))
}
