package unit

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestVerifyUsesInheritedSlots(t *testing.T) {
	u := MustAssemble(accountSrc)

	// Without the ancestor's ivar, slot 1 does not exist.
	bare := testResolver(t, "unit acme/core/Base\n")
	err := Verify(u, bare)
	var ve *VerifyError
	if !errors.As(err, &ve) || !errors.Is(err, ErrBadOperand) {
		t.Fatalf("Verify err = %v, want ErrBadOperand", err)
	}
	if ve.Method != "deposit:(1)" || ve.Offset != 12 {
		t.Errorf("error location = %s @%d", ve.Method, ve.Offset)
	}
}

func TestVerifyMissingAncestor(t *testing.T) {
	u := MustAssemble(accountSrc)
	if err := Verify(u, testResolver(t)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Verify err = %v, want ErrNotFound", err)
	}
}

func TestVerifyRejectsStaleMetadata(t *testing.T) {
	u := MustAssemble(accountSrc)
	u.Methods[0].MaxStack = 5
	if err := Verify(u, testResolver(t, baseSrc)); !errors.Is(err, ErrStaleFrames) {
		t.Fatalf("stale max stack: err = %v", err)
	}

	u = MustAssemble(accountSrc)
	u.Methods[0].Frames = nil
	if err := Verify(u, testResolver(t, baseSrc)); !errors.Is(err, ErrStaleFrames) {
		t.Fatalf("stale frames: err = %v", err)
	}
}

func TestVerifyCyclicHierarchy(t *testing.T) {
	r := testResolver(t, "unit a/X\nsuper a/Y\n", "unit a/Y\nsuper a/X\n")
	u := MustAssemble("unit a/Z\nsuper a/X\n")
	if err := Verify(u, r); !errors.Is(err, ErrCyclicHierarchy) {
		t.Fatalf("Verify err = %v, want ErrCyclicHierarchy", err)
	}
}

func TestVerifyHandlerChecks(t *testing.T) {
	u := MustAssemble(`
unit a/H
method m 0
s:
  push_nil
  throw
e:
  return_nil
  handler s e e
end
`)
	u.Methods[0].Handlers[0].Start = 1
	u.Methods[0].Handlers[0].End = 1
	if err := Verify(u, testResolver(t)); !errors.Is(err, ErrBadHandler) {
		t.Fatalf("empty range: err = %v", err)
	}

	u = MustAssemble("unit a/H\nmethod m 0\ns:\n  push_nil\n  throw\ne:\n  return_nil\n  handler s e e\nend")
	u.Methods[0].Handlers[0].Target = len(u.Methods[0].Code)
	if err := Verify(u, testResolver(t)); !errors.Is(err, ErrBadHandler) {
		t.Fatalf("target at end of code: err = %v", err)
	}
}

func TestComputeFramesErrors(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"empty", nil, ErrEmptyCode},
		{"underflow", []byte{byte(OpPOP), byte(OpReturnNil)}, ErrStackUnderflow},
		{"falls off", []byte{byte(OpPushNil)}, ErrFallOffEnd},
		{"bad target", []byte{byte(OpJump), 0xFE, 0xFF, byte(OpReturnNil)}, ErrBadTarget}, // -> 1, inside the operand
		{
			// one path reaches the join with 1 entry, the other with 0
			"mismatch",
			[]byte{
				byte(OpPushTrue),
				byte(OpJumpFalse), 1, 0, // -> 5
				byte(OpPushNil),
				byte(OpReturnNil), // 5
			},
			ErrStackMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ComputeFrames(&Method{Code: tt.code}); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAllIvarsOrder(t *testing.T) {
	r := testResolver(t, "unit a/A\nivars x\n", "unit a/B\nsuper a/A\nivars y\n")
	got, err := AllIvars(r, &Header{Name: "a/C", Super: "a/B", Ivars: []string{"z"}})
	if err != nil {
		t.Fatalf("AllIvars: %v", err)
	}
	if want := []string{"x", "y", "z"}; !slices.Equal(got, want) {
		t.Errorf("AllIvars = %v, want %v", got, want)
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	data, err := Encode(MustAssemble(accountSrc))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	path := filepath.Join(dir, "acme", "bank", "Account.unit")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	src := DirSource{Dirs: []string{t.TempDir(), dir}}
	got, err := src.Lookup("acme/bank/Account")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != len(data) {
		t.Errorf("Lookup returned %d bytes, want %d", len(got), len(data))
	}
	if _, err := src.Lookup("acme/bank/Missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: err = %v", err)
	}
	if _, err := src.Lookup("../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Errorf("escaping name: err = %v", err)
	}

	names, err := src.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if !slices.Equal(names, []string{"acme/bank/Account"}) {
		t.Errorf("Names = %v", names)
	}
}

func TestMultiSourceOrder(t *testing.T) {
	first, second := NewMapSource(), NewMapSource()
	first.Put("a/B", []byte("first"))
	second.Put("a/B", []byte("second"))
	second.Put("a/C", []byte("only"))

	m := MultiSource{first, second}
	if got, _ := m.Lookup("a/B"); string(got) != "first" {
		t.Errorf("a/B = %q, want first", got)
	}
	if got, _ := m.Lookup("a/C"); string(got) != "only" {
		t.Errorf("a/C = %q, want only", got)
	}
	if _, err := m.Lookup("a/D"); !errors.Is(err, ErrNotFound) {
		t.Errorf("a/D: err = %v", err)
	}
}
