package codec

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnwasm/lntypes"
)

// outPointSize is the hash followed by the big-endian output index.
const outPointSize = 32 + 4

// spendEntrySize is the time followed by the amount, both uint64.
const spendEntrySize = 8 + 8

// encodeStream writes records as one TLV stream. Records must be sorted by
// type.
func encodeStream(w io.Writer, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeStream parses r into records. Unknown odd types are skipped, an
// unknown even type or a missing required type is malformed.
func decodeStream(r io.Reader, required []tlv.Type,
	records ...tlv.Record) (tlv.TypeMap, error) {

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	for typ, unknown := range parsed {
		if unknown != nil && typ%2 == 0 {
			return nil, fmt.Errorf("%w: unknown even type %d",
				ErrMalformed, typ)
		}
	}

	for _, typ := range required {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: missing type %d",
				ErrMalformed, typ)
		}
	}

	return parsed, nil
}

// normalizeBytes maps an empty slice to nil so decoded records compare equal
// to records built without a payload.
func normalizeBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	return b
}

func outPointRecord(typ tlv.Type, op *wire.OutPoint) tlv.Record {
	return tlv.MakeStaticRecord(
		typ, op, outPointSize, encodeOutPoint, decodeOutPoint,
	)
}

func encodeOutPoint(w io.Writer, val interface{}, buf *[8]byte) error {
	if op, ok := val.(*wire.OutPoint); ok {
		hash := [32]byte(op.Hash)
		if err := tlv.EBytes32(w, &hash, buf); err != nil {
			return err
		}

		return tlv.EUint32(w, &op.Index, buf)
	}

	return tlv.NewTypeForEncodingErr(val, "wire.OutPoint")
}

func decodeOutPoint(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	if op, ok := val.(*wire.OutPoint); ok && l == outPointSize {
		var hash [32]byte
		if err := tlv.DBytes32(r, &hash, buf, 32); err != nil {
			return err
		}
		op.Hash = hash

		return tlv.DUint32(r, &op.Index, buf, 4)
	}

	return tlv.NewTypeForDecodingErr(val, "wire.OutPoint", l, outPointSize)
}

func spendsRecord(typ tlv.Type, spends *[]SpendEntry) tlv.Record {
	size := func() uint64 {
		return uint64(len(*spends)) * spendEntrySize
	}

	return tlv.MakeDynamicRecord(
		typ, spends, size, encodeSpends, decodeSpends,
	)
}

func encodeSpends(w io.Writer, val interface{}, buf *[8]byte) error {
	if spends, ok := val.(*[]SpendEntry); ok {
		for _, s := range *spends {
			if err := tlv.EUint64T(w, s.At, buf); err != nil {
				return err
			}
			err := tlv.EUint64T(w, uint64(s.Amount), buf)
			if err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]codec.SpendEntry")
}

func decodeSpends(r io.Reader, val interface{}, buf *[8]byte,
	l uint64) error {

	spends, ok := val.(*[]SpendEntry)
	if !ok || l%spendEntrySize != 0 {
		return tlv.NewTypeForDecodingErr(val, "[]codec.SpendEntry", l,
			l-l%spendEntrySize)
	}

	entries := make([]SpendEntry, 0, l/spendEntrySize)
	for i := uint64(0); i < l/spendEntrySize; i++ {
		var at, amount uint64
		if err := tlv.DUint64(r, &at, buf, 8); err != nil {
			return err
		}
		if err := tlv.DUint64(r, &amount, buf, 8); err != nil {
			return err
		}

		entries = append(entries, SpendEntry{
			At:     at,
			Amount: lntypes.MilliSatoshi(amount),
		})
	}
	*spends = entries

	return nil
}
