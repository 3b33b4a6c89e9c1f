package compiler

import "sort"

// Linear-scan register allocation. Intervals are processed in start
// order; expired intervals release their register; when a class's file
// is exhausted the interval with the furthest end is spilled to its
// home frame slot. Every virtual register keeps a home slot regardless
// of the outcome, which is what the call-boundary flushing and the
// stack maps rely on.

// allocation maps register-resident virtual registers to hardware
// registers. Absence means the value lives in its frame slot.
type allocation struct {
	regs map[int]Reg
}

func (al *allocation) regOf(v int) (Reg, bool) {
	r, ok := al.regs[v]
	return r, ok
}

// residentRegs returns the register-resident virtual registers in a
// stable order, for the flush and reload sequences at call boundaries.
func (al *allocation) resident() []int {
	var vs []int
	for v := range al.regs {
		vs = append(vs, v)
	}
	sort.Ints(vs)
	return vs
}

// allocateRegisters runs linear scan with the given file sizes. Zero
// sizes produce an empty allocation, the frame-only baseline.
func allocateRegisters(m *mirFunc, numInt, numFloat int) *allocation {
	al := &allocation{regs: make(map[int]Reg)}
	if numInt > len(allocIntRegs) {
		numInt = len(allocIntRegs)
	}
	if numFloat > len(allocFloatRegs) {
		numFloat = len(allocFloatRegs)
	}
	if numInt <= 0 && numFloat <= 0 {
		return al
	}

	intervals := liveIntervals(m)

	type classState struct {
		free   []Reg
		active []interval
	}
	ints := &classState{free: append([]Reg(nil), allocIntRegs[:max(0, numInt)]...)}
	floats := &classState{free: append([]Reg(nil), allocFloatRegs[:max(0, numFloat)]...)}

	classOf := func(iv interval) *classState {
		if iv.float {
			return floats
		}
		return ints
	}

	expire := func(cs *classState, pos int) {
		kept := cs.active[:0]
		for _, act := range cs.active {
			if act.end < pos {
				cs.free = append(cs.free, al.regs[act.vreg])
				continue
			}
			kept = append(kept, act)
		}
		cs.active = kept
	}

	for _, iv := range intervals {
		cs := classOf(iv)
		expire(ints, iv.start)
		expire(floats, iv.start)

		if len(cs.free) > 0 {
			r := cs.free[0]
			cs.free = cs.free[1:]
			al.regs[iv.vreg] = r
			cs.active = append(cs.active, iv)
			sort.Slice(cs.active, func(i, j int) bool { return cs.active[i].end < cs.active[j].end })
			continue
		}
		if len(cs.active) == 0 {
			continue // class has no registers at all
		}
		// Spill the interval ending furthest away.
		furthest := cs.active[len(cs.active)-1]
		if furthest.end > iv.end {
			r := al.regs[furthest.vreg]
			delete(al.regs, furthest.vreg)
			al.regs[iv.vreg] = r
			cs.active[len(cs.active)-1] = iv
			sort.Slice(cs.active, func(i, j int) bool { return cs.active[i].end < cs.active[j].end })
		}
		// Otherwise the new interval itself stays in its frame slot.
	}
	return al
}
