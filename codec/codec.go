package codec

import (
	"bytes"
	"fmt"
	"io"
)

// Version is the schema-version tag every byte record starts with.
type Version uint8

const (
	// VersionLegacy is the original fixed little-endian layout. It only
	// exists for channel monitors and the channel manager.
	VersionLegacy Version = 1

	// VersionTLV encodes the record body as a TLV stream.
	VersionTLV Version = 2

	// CurrentVersion is the version Encode produces.
	CurrentVersion = VersionTLV
)

// Kind identifies the record type following the version tag.
type Kind uint8

const (
	// KindChannelMonitor is a ChannelMonitor record.
	KindChannelMonitor Kind = 1

	// KindChannelManager is a ChannelManager record.
	KindChannelManager Kind = 2

	// KindWalletMeta is a WalletMeta record.
	KindWalletMeta Kind = 3

	// KindKeyMaterial is a KeyMaterial record.
	KindKeyMaterial Kind = 4

	// KindBudgetSnapshot is a BudgetSnapshot record.
	KindBudgetSnapshot Kind = 5

	// KindPaymentInfo is a PaymentInfo record.
	KindPaymentInfo Kind = 6
)

// String returns a human readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindChannelMonitor:
		return "channel_monitor"
	case KindChannelManager:
		return "channel_manager"
	case KindWalletMeta:
		return "wallet_meta"
	case KindKeyMaterial:
		return "key_material"
	case KindBudgetSnapshot:
		return "budget_snapshot"
	case KindPaymentInfo:
		return "payment_info"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// headerSize is the size of the version tag and kind.
const headerSize = 2

// Record is a domain record the codec knows how to encode. The set of records
// is closed: only types of this package implement it.
type Record interface {
	// Kind returns the kind tag written after the version.
	Kind() Kind

	encodeTLV(w io.Writer) error
	decodeTLV(r io.Reader) error
}

// newRecord returns an empty record of the given kind.
func newRecord(kind Kind) (Record, error) {
	switch kind {
	case KindChannelMonitor:
		return &ChannelMonitor{}, nil
	case KindChannelManager:
		return &ChannelManager{}, nil
	case KindWalletMeta:
		return &WalletMeta{}, nil
	case KindKeyMaterial:
		return &KeyMaterial{}, nil
	case KindBudgetSnapshot:
		return &BudgetSnapshot{}, nil
	case KindPaymentInfo:
		return &PaymentInfo{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed,
			uint8(kind))
	}
}

// Encode serializes rec at the current version. The result is deterministic:
// the same logical record always yields the same bytes.
func Encode(rec Record) ([]byte, error) {
	return EncodeVersion(rec, CurrentVersion)
}

// EncodeVersion serializes rec at an explicit version. Only monitor and
// manager records can be written at VersionLegacy.
func EncodeVersion(rec Record, version Version) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrMalformed)
	}

	var b bytes.Buffer
	b.WriteByte(byte(version))
	b.WriteByte(byte(rec.Kind()))

	var err error
	switch version {
	case VersionLegacy:
		err = encodeLegacy(&b, rec)

	case VersionTLV:
		err = rec.encodeTLV(&b)

	default:
		return nil, fmt.Errorf("%w: cannot encode version %d",
			ErrUnsupported, version)
	}
	if err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Decode parses a byte record. Older versions are upgraded to the current
// in-memory form, the input bytes are never modified and nothing is written
// back. A tag newer than CurrentVersion yields ErrVersionMismatch, anything
// else unrecognized yields ErrMalformed.
func Decode(b []byte) (Record, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: %d byte record", ErrMalformed,
			len(b))
	}

	version, kind := Version(b[0]), Kind(b[1])
	switch {
	case version == 0:
		return nil, fmt.Errorf("%w: zero version tag", ErrMalformed)

	case version > CurrentVersion:
		return nil, fmt.Errorf("%w: tag %d, supported up to %d",
			ErrVersionMismatch, version, CurrentVersion)
	}

	body := bytes.NewReader(b[headerSize:])

	switch version {
	case VersionLegacy:
		rec, err := decodeLegacy(kind, body)
		if err != nil {
			return nil, err
		}

		log.Tracef("Upgraded %v record from version %d in memory",
			kind, version)

		return rec, nil

	default:
		rec, err := newRecord(kind)
		if err != nil {
			return nil, err
		}
		if err := rec.decodeTLV(body); err != nil {
			return nil, err
		}

		return rec, nil
	}
}

// DecodeAs decodes b and asserts the record type.
func DecodeAs[T Record](b []byte) (T, error) {
	var zero T

	rec, err := Decode(b)
	if err != nil {
		return zero, err
	}

	typed, ok := rec.(T)
	if !ok {
		return zero, fmt.Errorf("%w: expected %T, got %v", ErrMalformed,
			zero, rec.Kind())
	}

	return typed, nil
}

// NeedsUpgrade reports whether b was written at a version older than the
// current one. Decoding upgrades in memory only, rewriting is up to the
// caller.
func NeedsUpgrade(b []byte) bool {
	return len(b) > 0 && Version(b[0]) >= VersionLegacy &&
		Version(b[0]) < CurrentVersion
}
