package store

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// envelopeFormat is the first byte of every stored value.
	envelopeFormat byte = 1

	revisionLen = 8
	headerLen   = 1 + revisionLen
	macLen      = blake2b.Size256

	// maxIntegrityKeyLen is the largest key blake2b accepts.
	maxIntegrityKeyLen = 64
)

// byteOrder is big endian so revisions sort the same way they compare.
var byteOrder = binary.BigEndian

// sealer wraps payloads into the on-disk envelope:
//
//	[format 1B][revision 8B][payload][mac 32B]
//
// The MAC binds the namespace and key, so a record copied under another key
// fails verification.
type sealer struct {
	key []byte
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) > maxIntegrityKeyLen {
		return nil, fmt.Errorf("integrity key of %d bytes exceeds %d",
			len(key), maxIntegrityKeyLen)
	}

	return &sealer{key: key}, nil
}

func (s *sealer) mac(ns Namespace, key string, header,
	payload []byte) []byte {

	// New256 only fails for keys longer than 64 bytes which newSealer
	// already rejects.
	h, _ := blake2b.New256(s.key)

	h.Write([]byte(ns))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write(header)
	h.Write(payload)

	return h.Sum(nil)
}

// seal returns the envelope for payload at the given revision.
func (s *sealer) seal(ns Namespace, key string, revision uint64,
	payload []byte) []byte {

	out := make([]byte, headerLen, headerLen+len(payload)+macLen)
	out[0] = envelopeFormat
	byteOrder.PutUint64(out[1:headerLen], revision)
	out = append(out, payload...)

	return append(out, s.mac(ns, key, out[:headerLen], payload)...)
}

// open verifies raw and returns its revision and a copy of the payload.
func (s *sealer) open(ns Namespace, key string,
	raw []byte) (uint64, []byte, error) {

	if len(raw) < headerLen+macLen {
		return 0, nil, fmt.Errorf("%w: %s/%s is %d bytes", ErrCorrupt,
			ns, key, len(raw))
	}
	if raw[0] != envelopeFormat {
		return 0, nil, fmt.Errorf("%w: %s/%s has envelope format %d",
			ErrCorrupt, ns, key, raw[0])
	}

	header := raw[:headerLen]
	payload := raw[headerLen : len(raw)-macLen]
	sum := raw[len(raw)-macLen:]

	if !hmac.Equal(sum, s.mac(ns, key, header, payload)) {
		return 0, nil, fmt.Errorf("%w: %s/%s failed integrity check",
			ErrCorrupt, ns, key)
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	return byteOrder.Uint64(header[1:]), out, nil
}
