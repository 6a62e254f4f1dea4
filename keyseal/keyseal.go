package keyseal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/keychain"
	"github.com/lightningnetwork/lnwasm/lnutils"
	"golang.org/x/crypto/chacha20poly1305"
)

// sealKeyLoc is the locator of the base key every secret at rest is sealed
// with. The sealing key is the sha256 of its compressed public key, so a
// ring that only does public derivation can seal.
var sealKeyLoc = keychain.KeyLocator{
	Family: keychain.KeyFamilySeal,
	Index:  0,
}

var (
	// ErrShortCiphertext is returned when sealed bytes cannot hold a
	// nonce and a tag.
	ErrShortCiphertext = errors.New("sealed secret too short")

	// ErrUnseal is returned when a sealed secret fails authentication,
	// either because it was tampered with or sealed under another key.
	ErrUnseal = errors.New("unable to unseal secret")
)

// Sealer encrypts secrets for storage in key material records.
type Sealer struct {
	keyRing keychain.KeyRing

	// rand is the nonce source.
	rand io.Reader
}

// New returns a Sealer deriving its key from keyRing.
func New(keyRing keychain.KeyRing) *Sealer {
	return &Sealer{
		keyRing: keyRing,
		rand:    rand.Reader,
	}
}

func (s *Sealer) key() ([]byte, error) {
	base, err := s.keyRing.DeriveKey(sealKeyLoc)
	if err != nil {
		return nil, err
	}

	key := sha256.Sum256(base.PubKey.SerializeCompressed())

	return key[:], nil
}

// associatedData binds the ciphertext to its nonce and to the record fields
// it is stored under, so a sealed secret cannot be moved to another slot.
func associatedData(nonce []byte, rec *codec.KeyMaterial) []byte {
	ad := make([]byte, 0, len(nonce)+8+len(rec.PubKey))
	ad = append(ad, nonce...)
	ad = binary.BigEndian.AppendUint32(ad, uint32(rec.Family))
	ad = binary.BigEndian.AppendUint32(ad, rec.Index)

	return append(ad, rec.PubKey[:]...)
}

// Seal encrypts secret, the private key at loc, into a key material record.
// A random 24 byte nonce is prepended to the ciphertext.
func (s *Sealer) Seal(loc keychain.KeyLocator,
	secret *btcec.PrivateKey) (*codec.KeyMaterial, error) {

	if !loc.Family.IsKnown() || loc.Family == keychain.KeyFamilySeal {
		return nil, fmt.Errorf("%w: %d", keychain.ErrUnknownFamily,
			loc.Family)
	}

	key, err := s.key()
	if err != nil {
		return nil, err
	}

	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, err
	}

	rec := &codec.KeyMaterial{
		Family: loc.Family,
		Index:  loc.Index,
	}
	copy(rec.PubKey[:], secret.PubKey().SerializeCompressed())

	plaintext := secret.Serialize()
	sealed := make([]byte, 0, len(nonce)+len(plaintext)+cipher.Overhead())
	sealed = append(sealed, nonce[:]...)
	rec.Sealed = cipher.Seal(
		sealed, nonce[:], plaintext, associatedData(nonce[:], rec),
	)

	log.DebugS(context.Background(), "Sealed key",
		"family", loc.Family.String(), "index", loc.Index,
		lnutils.LogBytes("pub_key", rec.PubKey[:]))

	return rec, nil
}

// Open decrypts a key material record and checks that the secret matches the
// public key stored next to it.
func (s *Sealer) Open(rec *codec.KeyMaterial) (*btcec.PrivateKey, error) {
	overhead := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(rec.Sealed) < overhead {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d",
			ErrShortCiphertext, len(rec.Sealed), overhead)
	}

	key, err := s.key()
	if err != nil {
		return nil, err
	}

	cipher, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := rec.Sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := rec.Sealed[chacha20poly1305.NonceSizeX:]

	plaintext, err := cipher.Open(
		nil, nonce, ciphertext, associatedData(nonce, rec),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnseal, err)
	}

	priv, pub := btcec.PrivKeyFromBytes(plaintext)
	if [33]byte(pub.SerializeCompressed()) != rec.PubKey {
		return nil, fmt.Errorf("%w: public key mismatch", ErrUnseal)
	}

	return priv, nil
}
