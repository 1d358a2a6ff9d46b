package unit

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrEmptyCode      = errors.New("method has no code")
	ErrStackUnderflow = errors.New("operand stack underflow")
	ErrStackMismatch  = errors.New("inconsistent stack depth at join")
	ErrBadTarget      = errors.New("branch target is not an instruction boundary")
	ErrFallOffEnd     = errors.New("control falls off the end of the code")
)

// HandlerDepth is the operand stack depth on entry to an exception handler.
const HandlerDepth = 1

// ComputeFrames recomputes a method's derived metadata: the maximum operand
// stack depth and the stack map (depth at every reachable branch target and
// handler entry, sorted by offset). Unreachable instructions are ignored.
func ComputeFrames(m *Method) (maxStack int, frames []Frame, err error) {
	instrs, err := Decode(m.Code)
	if err != nil {
		return 0, nil, err
	}
	if len(instrs) == 0 {
		return 0, nil, ErrEmptyCode
	}

	index := make(map[int]int, len(instrs))
	for i, in := range instrs {
		index[in.Offset] = i
	}
	depth := make([]int, len(instrs))
	for i := range depth {
		depth[i] = -1
	}
	targets := make(map[int]bool)
	var work []int

	set := func(off, d, from int) error {
		i, ok := index[off]
		if !ok {
			return fmt.Errorf("%w: %d (from %d)", ErrBadTarget, off, from)
		}
		if depth[i] == -1 {
			depth[i] = d
			work = append(work, i)
			return nil
		}
		if depth[i] != d {
			return fmt.Errorf("%w: offset %d has depth %d, reached with %d from %d",
				ErrStackMismatch, off, depth[i], d, from)
		}
		return nil
	}

	if err := set(0, 0, 0); err != nil {
		return 0, nil, err
	}
	for _, h := range m.Handlers {
		if err := set(h.Target, HandlerDepth, h.Start); err != nil {
			return 0, nil, err
		}
		targets[h.Target] = true
		maxStack = max(maxStack, HandlerDepth)
	}

	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := instrs[i]
		d := depth[i]

		if in.Pops() > d {
			return 0, nil, fmt.Errorf("%w at %d: %s needs %d, have %d",
				ErrStackUnderflow, in.Offset, in.Op, in.Pops(), d)
		}
		nd := d - in.Pops() + in.Pushes()
		maxStack = max(maxStack, nd, d)

		if in.Op.IsJump() {
			targets[in.A] = true
			if err := set(in.A, nd, in.Offset); err != nil {
				return 0, nil, err
			}
		}
		if !in.Op.IsTerminal() {
			if i+1 >= len(instrs) {
				return 0, nil, fmt.Errorf("%w after %s at %d", ErrFallOffEnd, in.Op, in.Offset)
			}
			if err := set(instrs[i+1].Offset, nd, in.Offset); err != nil {
				return 0, nil, err
			}
		}
	}

	for off := range targets {
		frames = append(frames, Frame{Offset: off, Depth: depth[index[off]]})
	}
	sort.Slice(frames, func(a, b int) bool { return frames[a].Offset < frames[b].Offset })
	return maxStack, frames, nil
}

// Recompute refreshes MaxStack and Frames in place.
func (m *Method) Recompute() error {
	maxStack, frames, err := ComputeFrames(m)
	if err != nil {
		return err
	}
	m.MaxStack, m.Frames = maxStack, frames
	return nil
}
