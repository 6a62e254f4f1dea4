package lnwasm

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/keychain"
	"github.com/lightningnetwork/lnwasm/writeguard"
)

// SealKey seals secret, the private key at loc, and durably stores it.
func (r *NodeRuntime) SealKey(ctx context.Context, loc keychain.KeyLocator,
	secret *btcec.PrivateKey) (*codec.KeyMaterial, error) {

	if r.sealer == nil {
		return nil, ErrNoKeyRing
	}

	rec, err := r.sealer.Seal(loc, secret)
	if err != nil {
		return nil, err
	}

	key := keyMaterialKey(loc)
	err = r.guard.Commit(ctx, key, rec, fn.None[writeguard.RecordKey]())
	if err != nil {
		return nil, fmt.Errorf("unable to store %v: %w", key, err)
	}

	return rec, nil
}

// UnsealKey loads and opens the key material at loc.
func (r *NodeRuntime) UnsealKey(ctx context.Context,
	loc keychain.KeyLocator) (*btcec.PrivateKey, error) {

	if r.sealer == nil {
		return nil, ErrNoKeyRing
	}

	key := keyMaterialKey(loc)
	rec, err := r.guard.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	material, ok := rec.(*codec.KeyMaterial)
	if !ok {
		return nil, fmt.Errorf("%w: %v at %v", codec.ErrMalformed,
			rec.Kind(), key)
	}

	return r.sealer.Open(material)
}
