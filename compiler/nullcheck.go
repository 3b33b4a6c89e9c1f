package compiler

// Null check elision. Every field, element, and length access guards
// its object operand against null, but straight-line code frequently
// re-reads the same local, so many guards test a register already
// proven non-null. A forward scan over the MIR computes, per
// instruction, the set of virtual registers proven non-null on entry;
// the code generator skips the guard when the operand is in the set.
//
// Facts come from three places: allocations always return non-null,
// moves carry the fact from source to destination, and a guard that
// falls through proves its operand (a failed guard never returns, so
// the fall-through path is the only continuation). A guard also proves
// the register its operand was last copied from, which is what elides
// the second of two back-to-back loads of the same local. Any other
// definition kills the fact, and the state resets at branch targets so
// a join never inherits a fact from just one predecessor.

// nonNullSet holds the virtual registers proven non-null at one point.
type nonNullSet map[int]bool

func (s nonNullSet) has(v int) bool { return s[v] }

func (s nonNullSet) clone() nonNullSet {
	out := make(nonNullSet, len(s))
	for v := range s {
		out[v] = true
	}
	return out
}

// computeNonNull returns the entry state for every MIR instruction.
func computeNonNull(m *mirFunc) []nonNullSet {
	out := make([]nonNullSet, len(m.instrs))
	state := make(nonNullSet)

	// origin[v] names the register v was last copied from, valid until
	// either side is redefined.
	origin := make(map[int]int)

	kill := func(v int) {
		delete(state, v)
		delete(origin, v)
		for dst, src := range origin {
			if src == v {
				delete(origin, dst)
			}
		}
	}
	prove := func(v int) {
		state[v] = true
		if src, ok := origin[v]; ok {
			state[src] = true
		}
	}

	for i := range m.instrs {
		if isTarget(m, i) {
			state = make(nonNullSet)
			origin = make(map[int]int)
		}
		out[i] = state.clone()

		mi := &m.instrs[i]
		switch mi.Op {
		case mirMove:
			if mi.Float {
				kill(mi.Dst)
				break
			}
			proven := state.has(mi.A)
			kill(mi.Dst)
			if proven {
				state[mi.Dst] = true
			}
			origin[mi.Dst] = mi.A

		case mirNewArray, mirNewObject:
			kill(mi.Dst)
			state[mi.Dst] = true

		case mirLoadLen, mirStoreField:
			prove(mi.A)
			if mi.Dst != noVReg {
				kill(mi.Dst)
			}
		case mirLoadField:
			prove(mi.A)
			kill(mi.Dst)
		case mirLoadElem:
			prove(mi.A)
			kill(mi.Dst)
		case mirStoreElem:
			prove(mi.A)

		default:
			if mi.Dst != noVReg {
				kill(mi.Dst)
			}
		}
	}
	return out
}
