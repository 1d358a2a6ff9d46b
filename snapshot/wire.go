package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxEncodedSize bounds a single encoded snapshot on the read side.
const MaxEncodedSize = 64 << 20

var ErrTooLarge = errors.New("snapshot: encoded snapshot too large")

// Snapshots are stored and streamed as canonical CBOR so that equal
// snapshots encode to equal bytes. Decoding rejects duplicate map keys and
// caps nesting a little above what Capture can produce.
var (
	snapEnc = mustMode(cbor.CanonicalEncOptions().EncMode())
	snapDec = mustMode(cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels: 4*MaxDepth + 8,
	}.DecMode())
)

func mustMode[M any](m M, err error) M {
	if err != nil {
		panic("snapshot: cbor mode: " + err.Error())
	}
	return m
}

// Encode returns the canonical CBOR form of s.
func Encode(s *Snapshot) ([]byte, error) {
	return snapEnc.Marshal(s)
}

// Decode parses one snapshot produced by Encode.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := snapDec.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return s, nil
}

// AppendSeq appends a snapshot sequence to dst: a big-endian u32 count,
// then each snapshot as a u32 length followed by its CBOR encoding.
func AppendSeq(dst []byte, snaps []Snapshot) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(snaps)))
	for i := range snaps {
		data, err := Encode(&snaps[i])
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
		dst = append(dst, data...)
	}
	return dst, nil
}

// WriteSeq writes a snapshot sequence to w in a single Write.
func WriteSeq(w io.Writer, snaps []Snapshot) error {
	buf, err := AppendSeq(nil, snaps)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadSeq reads one snapshot sequence written by WriteSeq. A stream that
// ends inside the sequence yields io.ErrUnexpectedEOF.
func ReadSeq(r io.Reader) ([]Snapshot, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, unexpected(err)
	}
	count := binary.BigEndian.Uint32(hdr[:])
	snaps := make([]Snapshot, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, unexpected(err)
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxEncodedSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, unexpected(err)
		}
		s, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", i, err)
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
