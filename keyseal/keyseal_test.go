package keyseal

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/keychain"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T, seed byte) *Sealer {
	t.Helper()

	ring, err := keychain.NewHDKeyRing(
		bytes.Repeat([]byte{seed}, 32), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return New(ring)
}

func TestSealOpen(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t, 1)

	secret, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	loc := keychain.KeyLocator{
		Family: keychain.KeyFamilyFederation,
		Index:  3,
	}
	rec, err := s.Seal(loc, secret)
	require.NoError(t, err)
	require.Equal(t, keychain.KeyFamilyFederation, rec.Family)
	require.EqualValues(t, 3, rec.Index)
	require.NotContains(t, string(rec.Sealed), string(secret.Serialize()))

	// The record survives the codec.
	b, err := codec.Encode(rec)
	require.NoError(t, err)
	decoded, err := codec.DecodeAs[*codec.KeyMaterial](b)
	require.NoError(t, err)

	opened, err := s.Open(decoded)
	require.NoError(t, err)
	require.Equal(t, secret.Serialize(), opened.Serialize())

	// Two seals of the same secret use different nonces.
	again, err := s.Seal(loc, secret)
	require.NoError(t, err)
	require.NotEqual(t, rec.Sealed, again.Sealed)
}

func TestOpenFailures(t *testing.T) {
	t.Parallel()

	s := newTestSealer(t, 1)

	secret, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	loc := keychain.KeyLocator{Family: keychain.KeyFamilyNode}
	rec, err := s.Seal(loc, secret)
	require.NoError(t, err)

	tampered := *rec
	tampered.Sealed = bytes.Clone(rec.Sealed)
	tampered.Sealed[len(tampered.Sealed)-1] ^= 0x01
	_, err = s.Open(&tampered)
	require.ErrorIs(t, err, ErrUnseal)

	moved := *rec
	moved.Index = 1
	_, err = s.Open(&moved)
	require.ErrorIs(t, err, ErrUnseal)

	short := *rec
	short.Sealed = rec.Sealed[:10]
	_, err = s.Open(&short)
	require.ErrorIs(t, err, ErrShortCiphertext)

	// Another wallet cannot open it.
	_, err = newTestSealer(t, 2).Open(rec)
	require.ErrorIs(t, err, ErrUnseal)

	_, err = s.Seal(keychain.KeyLocator{Family: keychain.KeyFamilySeal},
		secret)
	require.ErrorIs(t, err, keychain.ErrUnknownFamily)
}
