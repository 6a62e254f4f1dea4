package keychain

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HDKeyRing is a SecretKeyRing backed by a BIP32 master key held in memory.
type HDKeyRing struct {
	// accounts holds the external branch m/1017'/coin'/family'/0 of every
	// known family.
	accounts map[KeyFamily]*hdkeychain.ExtendedKey
}

// A compile time check to ensure HDKeyRing implements the SecretKeyRing
// interface.
var _ SecretKeyRing = (*HDKeyRing)(nil)

// NewHDKeyRing derives the account branches of every known family from seed.
func NewHDKeyRing(seed []byte, params *chaincfg.Params) (*HDKeyRing, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, err
	}

	coinType, err := deriveHardened(
		master, BIP0043Purpose, params.HDCoinType,
	)
	if err != nil {
		return nil, err
	}

	r := &HDKeyRing{
		accounts: make(map[KeyFamily]*hdkeychain.ExtendedKey),
	}
	for _, family := range []KeyFamily{
		KeyFamilyNode, KeyFamilyFederation, KeyFamilySeal,
	} {
		account, err := deriveHardened(coinType, uint32(family))
		if err != nil {
			return nil, err
		}

		external, err := account.Derive(0)
		if err != nil {
			return nil, err
		}
		r.accounts[family] = external
	}

	return r, nil
}

func deriveHardened(key *hdkeychain.ExtendedKey,
	path ...uint32) (*hdkeychain.ExtendedKey, error) {

	var err error
	for _, idx := range path {
		key, err = key.Derive(idx + hdkeychain.HardenedKeyStart)
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}

func (r *HDKeyRing) child(keyLoc KeyLocator) (*hdkeychain.ExtendedKey, error) {
	account, ok := r.accounts[keyLoc.Family]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFamily, keyLoc.Family)
	}

	return account.Derive(keyLoc.Index)
}

// DeriveKey derives the key at the passed KeyLocator.
func (r *HDKeyRing) DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error) {
	child, err := r.child(keyLoc)
	if err != nil {
		return KeyDescriptor{}, err
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return KeyDescriptor{}, err
	}

	return KeyDescriptor{
		KeyLocator: keyLoc,
		PubKey:     pub,
	}, nil
}

// DerivePrivKey derives the private key of the passed descriptor. If the
// descriptor carries a public key it must match the derived one.
func (r *HDKeyRing) DerivePrivKey(
	keyDesc KeyDescriptor) (*btcec.PrivateKey, error) {

	child, err := r.child(keyDesc.KeyLocator)
	if err != nil {
		return nil, err
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}

	if keyDesc.PubKey != nil && !keyDesc.PubKey.IsEqual(priv.PubKey()) {
		return nil, ErrCannotDerivePrivKey
	}

	return priv, nil
}

// SignMessage signs msg with the private key at keyLoc.
func (r *HDKeyRing) SignMessage(keyLoc KeyLocator, msg []byte,
	doubleHash bool) (*ecdsa.Signature, error) {

	priv, err := r.DerivePrivKey(KeyDescriptor{KeyLocator: keyLoc})
	if err != nil {
		return nil, err
	}

	digest := chainhash.HashB(msg)
	if doubleHash {
		digest = chainhash.DoubleHashB(msg)
	}

	return ecdsa.Sign(priv, digest), nil
}
