package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnwasm/keychain"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func genBytes32(t *rapid.T, label string) [32]byte {
	var b [32]byte
	copy(b[:], rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, label))

	return b
}

func genBlob(t *rapid.T, label string) []byte {
	blob := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, label)

	return normalizeBytes(blob)
}

func genMonitor(t *rapid.T) *ChannelMonitor {
	m := &ChannelMonitor{
		ChannelID: genBytes32(t, "chan_id"),
		FundingOutpoint: wire.OutPoint{
			Hash:  chainhash.Hash(genBytes32(t, "funding")),
			Index: rapid.Uint32().Draw(t, "index"),
		},
		UpdateID:     rapid.Uint64().Draw(t, "update_id"),
		CommitHeight: rapid.Uint64().Draw(t, "commit_height"),
		Blob:         genBlob(t, "blob"),
	}
	if rapid.Bool().Draw(t, "closed") {
		m.ClosedAtHeight = fn.Some(rapid.Uint32().Draw(t, "closed_at"))
	}

	return m
}

func genManager(t *rapid.T) *ChannelManager {
	return &ChannelManager{
		BestBlockHash:   chainhash.Hash(genBytes32(t, "best_hash")),
		BestBlockHeight: rapid.Uint32().Draw(t, "best_height"),
		UpdateID:        rapid.Uint64().Draw(t, "update_id"),
		Blob:            genBlob(t, "blob"),
	}
}

func genRecord(t *rapid.T) Record {
	switch rapid.IntRange(0, 5).Draw(t, "kind") {
	case 0:
		return genMonitor(t)

	case 1:
		return genManager(t)

	case 2:
		return &WalletMeta{
			Network:        rapid.SampledFrom([]string{"mainnet", "signet", "regtest"}).Draw(t, "net"),
			BirthdayHeight: rapid.Uint32().Draw(t, "birthday"),
			SyncedHeight:   rapid.Uint32().Draw(t, "synced"),
			SyncedHash:     chainhash.Hash(genBytes32(t, "synced_hash")),
		}

	case 3:
		k := &KeyMaterial{
			Family: keychain.KeyFamily(rapid.Uint32Range(0, 1).Draw(t, "family")),
			Index:  rapid.Uint32().Draw(t, "index"),
			Sealed: genBlob(t, "sealed"),
		}
		copy(k.PubKey[:], rapid.SliceOfN(rapid.Byte(), 33, 33).Draw(t, "pub"))

		return k

	case 4:
		b := &BudgetSnapshot{
			Ceiling:       lntypes.MilliSatoshi(rapid.Uint64().Draw(t, "ceiling")),
			Window:        time.Duration(rapid.Int64Min(0).Draw(t, "window")),
			MaxRequests:   rapid.Uint32().Draw(t, "max_requests"),
			RateWindow:    time.Duration(rapid.Int64Min(0).Draw(t, "rate_window")),
			Permissions:   rapid.Uint32().Draw(t, "permissions"),
			Revoked:       rapid.Bool().Draw(t, "revoked"),
			ResetSchedule: rapid.SampledFrom([]string{"", "@daily", "0 0 * * 1"}).Draw(t, "schedule"),
			Settled:       lntypes.MilliSatoshi(rapid.Uint64().Draw(t, "settled")),
		}
		copy(b.RequesterKey[:], rapid.SliceOfN(rapid.Byte(), 33, 33).Draw(t, "key"))

		n := rapid.IntRange(0, 8).Draw(t, "spends")
		for i := 0; i < n; i++ {
			b.Spends = append(b.Spends, SpendEntry{
				At:     rapid.Uint64().Draw(t, "at"),
				Amount: lntypes.MilliSatoshi(rapid.Uint64().Draw(t, "amount")),
			})
		}

		return b

	default:
		p := &PaymentInfo{
			Hash:      lntypes.Hash(genBytes32(t, "hash")),
			Status:    PaymentStatus(rapid.Uint8Range(0, 3).Draw(t, "status")),
			Amount:    lntypes.MilliSatoshi(rapid.Uint64().Draw(t, "amount")),
			Fee:       lntypes.MilliSatoshi(rapid.Uint64().Draw(t, "fee")),
			Inbound:   rapid.Bool().Draw(t, "inbound"),
			Invoice:   rapid.SampledFrom([]string{"", "lnbc1qqq"}).Draw(t, "invoice"),
			CreatedAt: rapid.Uint64().Draw(t, "created"),
		}
		if rapid.Bool().Draw(t, "has_preimage") {
			p.Preimage = fn.Some(lntypes.Preimage(genBytes32(t, "preimage")))
		}
		if rapid.Bool().Draw(t, "settled") {
			p.SettledAt = fn.Some(rapid.Uint64().Draw(t, "settled_at"))
		}

		return p
	}
}

// TestRoundTrip asserts that every record decodes to itself and that
// encoding is deterministic.
func TestRoundTrip(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		rec := genRecord(t)

		b, err := Encode(rec)
		require.NoError(t, err)
		require.Equal(t, byte(CurrentVersion), b[0])
		require.Equal(t, byte(rec.Kind()), b[1])

		again, err := Encode(rec)
		require.NoError(t, err)
		require.Equal(t, b, again)

		decoded, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, rec, decoded)
		require.False(t, NeedsUpgrade(b))
	})
}

// TestLegacyUpgrade asserts that version 1 records decode to the current
// form, with no closure height, without touching the input.
func TestLegacyUpgrade(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		var rec Record
		if rapid.Bool().Draw(t, "monitor") {
			m := genMonitor(t)
			m.ClosedAtHeight = fn.None[uint32]()
			rec = m
		} else {
			rec = genManager(t)
		}

		b, err := EncodeVersion(rec, VersionLegacy)
		require.NoError(t, err)
		require.True(t, NeedsUpgrade(b))

		orig := bytes.Clone(b)
		decoded, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, rec, decoded)
		require.Equal(t, orig, b)

		upgraded, err := Encode(decoded)
		require.NoError(t, err)
		require.False(t, NeedsUpgrade(upgraded))
	})
}

func TestLegacyUnsupported(t *testing.T) {
	t.Parallel()

	_, err := EncodeVersion(&WalletMeta{Network: "regtest"}, VersionLegacy)
	require.ErrorIs(t, err, ErrUnsupported)

	closed := &ChannelMonitor{ClosedAtHeight: fn.Some[uint32](10)}
	_, err = EncodeVersion(closed, VersionLegacy)
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = EncodeVersion(closed, Version(9))
	require.ErrorIs(t, err, ErrUnsupported)
}

// TestVersionMismatch asserts that any tag newer than the current version is
// reported as a mismatch, whatever follows it.
func TestVersionMismatch(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		tag := rapid.Uint8Range(uint8(CurrentVersion)+1, 255).Draw(t, "tag")
		body := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(t, "body")

		_, err := Decode(append([]byte{tag}, body...))
		require.ErrorIs(t, err, ErrVersionMismatch)
	})
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()

	monitor := &ChannelMonitor{
		UpdateID: 7,
		Blob:     []byte{1, 2, 3},
	}
	good, err := Encode(monitor)
	require.NoError(t, err)

	legacy, err := EncodeVersion(monitor, VersionLegacy)
	require.NoError(t, err)

	// An even type nobody knows about.
	var unknownEven bytes.Buffer
	unknownEven.Write(good)
	require.NoError(t, tlv.WriteVarInt(&unknownEven, 100, &[8]byte{}))
	require.NoError(t, tlv.WriteVarInt(&unknownEven, 1, &[8]byte{}))
	unknownEven.WriteByte(0xff)

	// A monitor stream without the blob type.
	var missing bytes.Buffer
	missing.Write([]byte{byte(VersionTLV), byte(KindChannelMonitor)})
	require.NoError(t, encodeStream(&missing,
		tlv.MakePrimitiveRecord(monitorChanIDType, &[32]byte{}),
	))

	tests := []struct {
		name string
		b    []byte
	}{
		{name: "empty", b: nil},
		{name: "only version", b: []byte{byte(CurrentVersion)}},
		{name: "zero version", b: []byte{0, byte(KindChannelMonitor)}},
		{name: "unknown kind", b: []byte{byte(VersionTLV), 99}},
		{name: "truncated", b: good[:len(good)-1]},
		{name: "unknown even type", b: unknownEven.Bytes()},
		{name: "missing type", b: missing.Bytes()},
		{name: "legacy trailing", b: append(bytes.Clone(legacy), 0)},
		{name: "legacy truncated", b: legacy[:len(legacy)-2]},
		{
			name: "legacy wallet meta",
			b:    []byte{byte(VersionLegacy), byte(KindWalletMeta)},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode(tc.b)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// TestUnknownOddSkipped asserts that unknown odd types are ignored, which
// lets newer writers add optional fields.
func TestUnknownOddSkipped(t *testing.T) {
	t.Parallel()

	meta := &WalletMeta{Network: "signet", BirthdayHeight: 100}
	b, err := Encode(meta)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(b)
	require.NoError(t, tlv.WriteVarInt(&buf, 101, &[8]byte{}))
	require.NoError(t, tlv.WriteVarInt(&buf, 2, &[8]byte{}))
	buf.Write([]byte{0xaa, 0xbb})

	decoded, err := DecodeAs[*WalletMeta](buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, meta, decoded)
}

func TestDecodeAsWrongKind(t *testing.T) {
	t.Parallel()

	b, err := Encode(&ChannelManager{BestBlockHeight: 1})
	require.NoError(t, err)

	_, err = DecodeAs[*ChannelMonitor](b)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestInvalidPaymentStatus(t *testing.T) {
	t.Parallel()

	b, err := Encode(&PaymentInfo{Status: PaymentFailed})
	require.NoError(t, err)

	// The status is the first byte after the hash record header and
	// value, and the status record header.
	idx := bytes.Index(b[2:], []byte{byte(paymentStatusType), 1,
		byte(PaymentFailed)})
	require.GreaterOrEqual(t, idx, 0)
	b[2+idx+2] = 9

	_, err = Decode(b)
	require.ErrorIs(t, err, ErrMalformed)
}
