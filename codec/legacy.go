package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// legacyOrder is the byte order of the version 1 layout.
var legacyOrder = binary.LittleEndian

// maxLegacyBlob bounds the blob length prefix of a version 1 record.
const maxLegacyBlob = 16 << 20

// Version 1 monitor layout:
//
//	chan_id [32] | funding_hash [32] | funding_index u32 | update_id u64 |
//	commit_height u64 | blob_len u32 | blob
//
// Version 1 manager layout:
//
//	best_hash [32] | best_height u32 | update_id u64 | blob_len u32 | blob
//
// Version 1 predates closure tracking.

func encodeLegacy(w *bytes.Buffer, rec Record) error {
	switch r := rec.(type) {
	case *ChannelMonitor:
		if r.ClosedAtHeight.IsSome() {
			return fmt.Errorf("%w: closed monitor", ErrUnsupported)
		}

		w.Write(r.ChannelID[:])
		w.Write(r.FundingOutpoint.Hash[:])
		_ = binary.Write(w, legacyOrder, r.FundingOutpoint.Index)
		_ = binary.Write(w, legacyOrder, r.UpdateID)
		_ = binary.Write(w, legacyOrder, r.CommitHeight)

		return writeLegacyBlob(w, r.Blob)

	case *ChannelManager:
		w.Write(r.BestBlockHash[:])
		_ = binary.Write(w, legacyOrder, r.BestBlockHeight)
		_ = binary.Write(w, legacyOrder, r.UpdateID)

		return writeLegacyBlob(w, r.Blob)

	default:
		return fmt.Errorf("%w: %v has no version %d layout",
			ErrUnsupported, rec.Kind(), VersionLegacy)
	}
}

func writeLegacyBlob(w *bytes.Buffer, blob []byte) error {
	if len(blob) > maxLegacyBlob {
		return fmt.Errorf("%w: %d byte blob", ErrUnsupported, len(blob))
	}

	_ = binary.Write(w, legacyOrder, uint32(len(blob)))
	w.Write(blob)

	return nil
}

// decodeLegacy parses a version 1 body and upgrades it to the current
// in-memory form.
func decodeLegacy(kind Kind, body *bytes.Reader) (Record, error) {
	var rec Record
	switch kind {
	case KindChannelMonitor:
		m := &ChannelMonitor{
			ClosedAtHeight: fn.None[uint32](),
		}
		fields := []any{
			&m.ChannelID, &m.FundingOutpoint.Hash,
			&m.FundingOutpoint.Index, &m.UpdateID, &m.CommitHeight,
		}
		if err := readLegacy(body, fields...); err != nil {
			return nil, err
		}

		blob, err := readLegacyBlob(body)
		if err != nil {
			return nil, err
		}
		m.Blob = blob
		rec = m

	case KindChannelManager:
		m := &ChannelManager{}
		fields := []any{
			&m.BestBlockHash, &m.BestBlockHeight, &m.UpdateID,
		}
		if err := readLegacy(body, fields...); err != nil {
			return nil, err
		}

		blob, err := readLegacyBlob(body)
		if err != nil {
			return nil, err
		}
		m.Blob = blob
		rec = m

	default:
		return nil, fmt.Errorf("%w: %v has no version %d layout",
			ErrMalformed, kind, VersionLegacy)
	}

	if body.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed,
			body.Len())
	}

	return rec, nil
}

func readLegacy(r io.Reader, fields ...any) error {
	for _, field := range fields {
		if err := binary.Read(r, legacyOrder, field); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}

	return nil
}

func readLegacyBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := readLegacy(r, &n); err != nil {
		return nil, err
	}
	if n > maxLegacyBlob || int(n) > r.Len() {
		return nil, fmt.Errorf("%w: blob length %d", ErrMalformed, n)
	}
	if n == 0 {
		return nil, nil
	}

	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return blob, nil
}
