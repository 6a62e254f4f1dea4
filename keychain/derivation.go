package keychain

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// BIP0043Purpose is the "purpose" value of every key derived by this package.
// Keys live below m/1017'/coinType', the same tree lnd uses, so a seed
// restored into either derives the same node key.
const BIP0043Purpose = 1017

var (
	// ErrUnknownFamily is returned when deriving from a key family this
	// package does not define.
	ErrUnknownFamily = errors.New("unknown key family")

	// ErrCannotDerivePrivKey is returned when a key descriptor does not
	// match the key its locator derives.
	ErrCannotDerivePrivKey = errors.New("unable to derive private key")
)

// KeyFamily is a distinct branch of the HD key chain:
//
//   - m/1017'/coinType'/keyFamily'/0/index
type KeyFamily uint32

const (
	// KeyFamilyNode holds the Lightning node identity and channel keys.
	KeyFamilyNode KeyFamily = 0

	// KeyFamilyFederation holds the keys of the federation client.
	KeyFamilyFederation KeyFamily = 1

	// KeyFamilySeal holds the base key that secrets at rest are sealed
	// with. Only index 0 is used.
	KeyFamilySeal KeyFamily = 2
)

// String returns the family name.
func (k KeyFamily) String() string {
	switch k {
	case KeyFamilyNode:
		return "node"
	case KeyFamilyFederation:
		return "federation"
	case KeyFamilySeal:
		return "seal"
	default:
		return "unknown"
	}
}

// IsKnown reports whether k is one of the families above.
func (k KeyFamily) IsKnown() bool {
	return k <= KeyFamilySeal
}

// KeyLocator identifies any key derivable by the ring.
type KeyLocator struct {
	// Family is the family of key being identified.
	Family KeyFamily

	// Index is the precise index of the key being identified.
	Index uint32
}

// KeyDescriptor wraps a KeyLocator and the public key it derives.
type KeyDescriptor struct {
	KeyLocator

	// PubKey is the public key at the locator.
	PubKey *btcec.PublicKey
}

// KeyRing performs public derivation of keys.
type KeyRing interface {
	// DeriveKey derives the key at the passed KeyLocator.
	DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error)
}

// SecretKeyRing can also derive private keys and sign with them.
type SecretKeyRing interface {
	KeyRing

	// DerivePrivKey derives the private key of the passed descriptor.
	DerivePrivKey(keyDesc KeyDescriptor) (*btcec.PrivateKey, error)

	// SignMessage signs the given message, single or double SHA256
	// hashing it first, with the private key at keyLoc.
	SignMessage(keyLoc KeyLocator, msg []byte,
		doubleHash bool) (*ecdsa.Signature, error)
}
