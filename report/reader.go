package report

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/chazu/exitprobe/snapshot"
)

// MaxNameLength bounds test names on the read side.
const MaxNameLength = 1 << 20

var (
	ErrUnknownTag   = errors.New("report: unknown frame tag")
	ErrTrailingData = errors.New("report: data after DONE")
	ErrIncomplete   = errors.New("report: stream ended without DONE")
)

// Frame is a decoded frame: *SnapshotFrame or *DoneFrame.
type Frame interface {
	Tag() Tag
}

// SnapshotFrame is a decoded SNAPSHOT_REPORT.
type SnapshotFrame struct {
	Test      string
	Snapshots []snapshot.Snapshot
}

// Tag implements Frame.
func (*SnapshotFrame) Tag() Tag { return TagSnapshotReport }

// DoneFrame is a decoded DONE.
type DoneFrame struct {
	Code ExitCode
}

// Tag implements Frame.
func (*DoneFrame) Tag() Tag { return TagDone }

// Reader decodes frames from a stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next decodes the next frame. It returns io.EOF at a clean frame boundary
// and io.ErrUnexpectedEOF when the stream ends inside a frame.
func (rd *Reader) Next() (Frame, error) {
	tag, err := rd.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch Tag(tag) {
	case TagDone:
		var buf [4]byte
		if _, err := io.ReadFull(rd.r, buf[:]); err != nil {
			return nil, unexpected(err)
		}
		return &DoneFrame{Code: ExitCode(int32(binary.BigEndian.Uint32(buf[:])))}, nil

	case TagSnapshotReport:
		var buf [4]byte
		if _, err := io.ReadFull(rd.r, buf[:]); err != nil {
			return nil, unexpected(err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		if n > MaxNameLength {
			return nil, fmt.Errorf("report: test name of %d bytes", n)
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(rd.r, name); err != nil {
			return nil, unexpected(err)
		}
		if !utf8.Valid(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		snaps, err := snapshot.ReadSeq(rd.r)
		if err != nil {
			return nil, fmt.Errorf("report: %s: %w", name, err)
		}
		return &SnapshotFrame{Test: string(name), Snapshots: snaps}, nil
	}
	return nil, fmt.Errorf("%w 0x%02X", ErrUnknownTag, tag)
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Run is a complete decoded stream.
type Run struct {
	Tests []*SnapshotFrame // in arrival order
	Code  ExitCode
}

// Snapshots returns the snapshots of the first report for test.
func (r *Run) Snapshots(test string) ([]snapshot.Snapshot, bool) {
	for _, f := range r.Tests {
		if f.Test == test {
			return f.Snapshots, true
		}
	}
	return nil, false
}

// ReadRun reads a whole stream and checks its shape: exactly one DONE and
// nothing after it. When the stream ends without DONE the frames read so
// far are returned with ErrIncomplete.
func ReadRun(r io.Reader) (*Run, error) {
	rd := NewReader(r)
	run := &Run{}
	for {
		f, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return run, ErrIncomplete
		}
		if err != nil {
			return run, err
		}
		switch f := f.(type) {
		case *SnapshotFrame:
			run.Tests = append(run.Tests, f)
		case *DoneFrame:
			run.Code = f.Code
			if _, err := rd.r.ReadByte(); err != io.EOF {
				if err == nil {
					err = ErrTrailingData
				}
				return run, err
			}
			return run, nil
		}
	}
}
