// Package report carries test outcomes from the instrumented process to its
// controller.
//
// The stream is a sequence of frames, each a one-byte tag and a big-endian
// payload:
//
//	SNAPSHOT_REPORT 0x80  u32 name length, UTF-8 test name, snapshot sequence
//	DONE            0x40  i32 exit code
//
// A well-formed stream has any number of SNAPSHOT_REPORT frames followed by
// exactly one DONE, and nothing after it.
package report

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/chazu/exitprobe/snapshot"
)

// Tag identifies a frame.
type Tag byte

const (
	TagDone           Tag = 0x40
	TagSnapshotReport Tag = 0x80
)

func (t Tag) String() string {
	switch t {
	case TagDone:
		return "DONE"
	case TagSnapshotReport:
		return "SNAPSHOT_REPORT"
	}
	return fmt.Sprintf("Tag(0x%02X)", byte(t))
}

// ExitCode is the outcome reported in DONE. The agent process also exits
// with it.
type ExitCode int32

const (
	ExitOK            ExitCode = 0
	ExitOutOfMemory   ExitCode = 11
	ExitUnknownError  ExitCode = 13
	ExitTimeout       ExitCode = 14
	ExitTestFailure   ExitCode = 15
	ExitReportFailure ExitCode = 16
)

func (c ExitCode) String() string {
	switch c {
	case ExitOK:
		return "ok"
	case ExitOutOfMemory:
		return "out of memory"
	case ExitUnknownError:
		return "unknown error"
	case ExitTimeout:
		return "timeout"
	case ExitTestFailure:
		return "test failure"
	case ExitReportFailure:
		return "report failure"
	}
	return fmt.Sprintf("exit %d", int32(c))
}

var (
	// ErrStreamBroken wraps the first write or flush failure. Once returned,
	// every later call returns it again.
	ErrStreamBroken = errors.New("report: stream broken")

	// ErrDone is returned for any frame after DONE.
	ErrDone = errors.New("report: DONE already sent")

	ErrInvalidName = errors.New("report: test name is not valid UTF-8")
)

// Reporter writes frames to the controller. It is safe for concurrent use;
// frames are never interleaved.
type Reporter struct {
	mu   sync.Mutex
	w    *bufio.Writer
	err  error
	done bool
}

// NewReporter creates a reporter writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: bufio.NewWriter(w)}
}

// ReportSnapshots sends the snapshots captured while running one test.
func (r *Reporter) ReportSnapshots(testName string, snaps []snapshot.Snapshot) error {
	if !utf8.ValidString(testName) {
		return fmt.Errorf("%w: %q", ErrInvalidName, testName)
	}
	if uint64(len(testName)) > math.MaxUint32 {
		return fmt.Errorf("report: test name too long")
	}
	frame := make([]byte, 0, 1+4+len(testName)+4+64*len(snaps))
	frame = append(frame, byte(TagSnapshotReport))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(testName)))
	frame = append(frame, testName...)
	frame, err := snapshot.AppendSeq(frame, snaps)
	if err != nil {
		return fmt.Errorf("report: encode %s: %w", testName, err)
	}
	return r.send(frame, false)
}

// Done sends the final outcome. It may be called once.
func (r *Reporter) Done(code ExitCode) error {
	frame := make([]byte, 0, 5)
	frame = append(frame, byte(TagDone))
	frame = binary.BigEndian.AppendUint32(frame, uint32(int32(code)))
	return r.send(frame, true)
}

// Err returns the sticky stream error, if any.
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reporter) send(frame []byte, done bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.done {
		return ErrDone
	}
	if _, err := r.w.Write(frame); err != nil {
		r.err = fmt.Errorf("%w: %w", ErrStreamBroken, err)
		return r.err
	}
	if err := r.w.Flush(); err != nil {
		r.err = fmt.Errorf("%w: %w", ErrStreamBroken, err)
		return r.err
	}
	r.done = done
	return nil
}
