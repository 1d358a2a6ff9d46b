package unit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Magic identifies a unit file.
var Magic = [4]byte{'U', 'N', 'I', 'T'}

// Version is the only container version this package reads and writes.
const Version uint16 = 1

// ---------------------------------------------------------------------------
// Codec Error Types
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic    = errors.New("invalid magic number: expected UNIT")
	ErrVersionMismatch = errors.New("unit version mismatch")
	ErrUnexpectedEOF   = errors.New("unexpected end of unit data")
	ErrCorruptData     = errors.New("corrupt unit data")
	ErrTrailingBytes   = errors.New("trailing bytes after unit")
	ErrTooLarge        = errors.New("unit component exceeds format limits")
)

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// decoder tracks a read position over unit bytes.
type decoder struct {
	data   []byte
	offset int
}

func (d *decoder) need(n int) error {
	if n < 0 || d.offset+n > len(d.data) {
		return fmt.Errorf("%w at offset %d", ErrUnexpectedEOF, d.offset)
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.data[d.offset]
	d.offset++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.data[d.offset:])
	d.offset += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.data[d.offset:])
	d.offset += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.data[d.offset:])
	d.offset += 8
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.data[d.offset : d.offset+n]
	d.offset += n
	return b, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u16()
	if err != nil {
		return "", err
	}
	b, err := d.bytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid UTF-8 string at offset %d", ErrCorruptData, d.offset-int(n))
	}
	return string(b), nil
}

func (d *decoder) header() (*Header, error) {
	magic, err := d.bytes(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(magic) != Magic {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}
	version, err := d.u16()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, Version, version)
	}

	h := &Header{}
	if h.Name, err = d.str(); err != nil {
		return nil, err
	}
	if h.Name == "" {
		return nil, fmt.Errorf("%w: empty unit name", ErrCorruptData)
	}
	if h.Super, err = d.str(); err != nil {
		return nil, err
	}
	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	h.Ivars = make([]string, n)
	for i := range h.Ivars {
		if h.Ivars[i], err = d.str(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (d *decoder) literal() (Literal, error) {
	tag, err := d.u8()
	if err != nil {
		return Literal{}, err
	}
	switch LiteralKind(tag) {
	case LitInt:
		v, err := d.u64()
		return IntLiteral(int64(v)), err
	case LitFloat:
		v, err := d.u64()
		return FloatLiteral(math.Float64frombits(v)), err
	case LitString:
		s, err := d.str()
		return StringLiteral(s), err
	}
	return Literal{}, fmt.Errorf("%w: unknown literal tag %d at offset %d", ErrCorruptData, tag, d.offset-1)
}

func (d *decoder) method() (*Method, error) {
	m := &Method{}
	var err error
	if m.Name, err = d.str(); err != nil {
		return nil, err
	}
	arity, err := d.u8()
	if err != nil {
		return nil, err
	}
	temps, err := d.u8()
	if err != nil {
		return nil, err
	}
	maxStack, err := d.u16()
	if err != nil {
		return nil, err
	}
	m.Arity, m.NumTemps, m.MaxStack = int(arity), int(temps), int(maxStack)

	codeLen, err := d.u32()
	if err != nil {
		return nil, err
	}
	code, err := d.bytes(int(codeLen))
	if err != nil {
		return nil, err
	}
	m.Code = append([]byte(nil), code...)

	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	m.Handlers = make([]Handler, n)
	for i := range m.Handlers {
		var start, end, target uint32
		var class uint16
		if start, err = d.u32(); err != nil {
			return nil, err
		}
		if end, err = d.u32(); err != nil {
			return nil, err
		}
		if target, err = d.u32(); err != nil {
			return nil, err
		}
		if class, err = d.u16(); err != nil {
			return nil, err
		}
		m.Handlers[i] = Handler{Start: int(start), End: int(end), Target: int(target), Class: class}
	}

	if n, err = d.u16(); err != nil {
		return nil, err
	}
	m.Frames = make([]Frame, n)
	for i := range m.Frames {
		off, err := d.u32()
		if err != nil {
			return nil, err
		}
		depth, err := d.u16()
		if err != nil {
			return nil, err
		}
		m.Frames[i] = Frame{Offset: int(off), Depth: int(depth)}
	}

	if n, err = d.u16(); err != nil {
		return nil, err
	}
	m.Lines = make([]Line, n)
	for i := range m.Lines {
		off, err := d.u32()
		if err != nil {
			return nil, err
		}
		line, err := d.u32()
		if err != nil {
			return nil, err
		}
		m.Lines[i] = Line{Offset: int(off), Line: int(line)}
	}
	return m, nil
}

// ParseHeader decodes only the hierarchy header of a unit.
func ParseHeader(data []byte) (*Header, error) {
	d := &decoder{data: data}
	return d.header()
}

// Parse decodes a complete unit. Method bodies are not verified.
func Parse(data []byte) (*Unit, error) {
	d := &decoder{data: data}
	h, err := d.header()
	if err != nil {
		return nil, err
	}
	u := &Unit{Name: h.Name, Super: h.Super, Ivars: h.Ivars}

	n, err := d.u16()
	if err != nil {
		return nil, err
	}
	u.Literals = make([]Literal, n)
	for i := range u.Literals {
		if u.Literals[i], err = d.literal(); err != nil {
			return nil, err
		}
	}

	if n, err = d.u16(); err != nil {
		return nil, err
	}
	u.Methods = make([]*Method, n)
	for i := range u.Methods {
		if u.Methods[i], err = d.method(); err != nil {
			return nil, fmt.Errorf("method %d: %w", i, err)
		}
	}

	if d.offset != len(d.data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(d.data)-d.offset)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// encoder appends big-endian fields, remembering the first limit violation.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) fail(format string, args ...any) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: "+format, append([]any{ErrTooLarge}, args...)...)
	}
}

func (e *encoder) u8(v int, what string) {
	if v < 0 || v > math.MaxUint8 {
		e.fail("%s = %d", what, v)
		return
	}
	e.buf = append(e.buf, byte(v))
}

func (e *encoder) u16(v int, what string) {
	if v < 0 || v > math.MaxUint16 {
		e.fail("%s = %d", what, v)
		return
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(v))
}

func (e *encoder) u32(v int, what string) {
	if v < 0 || int64(v) > math.MaxUint32 {
		e.fail("%s = %d", what, v)
		return
	}
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) str(s string) {
	e.u16(len(s), "string length")
	e.buf = append(e.buf, s...)
}

// Encode serializes a unit. Derived metadata (MaxStack, Frames) is written
// as stored; callers that changed code must recompute it first.
func Encode(u *Unit) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.buf = append(e.buf, Magic[:]...)
	e.buf = binary.BigEndian.AppendUint16(e.buf, Version)
	e.str(u.Name)
	e.str(u.Super)

	e.u16(len(u.Ivars), "ivar count")
	for _, iv := range u.Ivars {
		e.str(iv)
	}

	e.u16(len(u.Literals), "literal count")
	for _, l := range u.Literals {
		e.buf = append(e.buf, byte(l.Kind))
		switch l.Kind {
		case LitInt:
			e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(l.Int))
		case LitFloat:
			e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(l.Float))
		case LitString:
			e.str(l.Str)
		default:
			return nil, fmt.Errorf("%w: literal kind %d", ErrCorruptData, l.Kind)
		}
	}

	e.u16(len(u.Methods), "method count")
	for _, m := range u.Methods {
		e.str(m.Name)
		e.u8(m.Arity, "arity")
		e.u8(m.NumTemps, "temps")
		e.u16(m.MaxStack, "max stack")
		e.u32(len(m.Code), "code length")
		e.buf = append(e.buf, m.Code...)

		e.u16(len(m.Handlers), "handler count")
		for _, h := range m.Handlers {
			e.u32(h.Start, "handler start")
			e.u32(h.End, "handler end")
			e.u32(h.Target, "handler target")
			e.buf = binary.BigEndian.AppendUint16(e.buf, h.Class)
		}
		e.u16(len(m.Frames), "frame count")
		for _, f := range m.Frames {
			e.u32(f.Offset, "frame offset")
			e.u16(f.Depth, "frame depth")
		}
		e.u16(len(m.Lines), "line count")
		for _, l := range m.Lines {
			e.u32(l.Offset, "line offset")
			e.u32(l.Line, "line number")
		}
	}

	if e.err != nil {
		return nil, fmt.Errorf("encode %s: %w", u.Name, e.err)
	}
	return e.buf, nil
}
