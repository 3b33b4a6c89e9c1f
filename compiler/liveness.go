package compiler

import "sort"

// Live interval analysis over the MIR. Intervals are conservative
// [first, last] ranges: backward dataflow propagates liveness around
// loops until a fixpoint, then each virtual register's interval spans
// every point where it is live or defined. Reference-typed locals are
// pinned live over the whole body so the collector can always account
// for them.

type interval struct {
	vreg  int
	start int
	end   int
	float bool
}

// uses and defs of one MIR instruction.
func mirUses(mi *mirInstr) []int {
	var u []int
	add := func(v int) {
		if v != noVReg {
			u = append(u, v)
		}
	}
	switch mi.Op {
	case mirCall:
		for _, a := range mi.Args {
			add(a)
		}
	default:
		add(mi.A)
		add(mi.B)
		add(mi.C)
	}
	return u
}

func mirDef(mi *mirInstr) int {
	return mi.Dst
}

func successors(m *mirFunc, i int) []int {
	mi := &m.instrs[i]
	switch mi.Op {
	case mirBranch:
		return []int{mi.Target}
	case mirCompareBranch:
		if i+1 < len(m.instrs) {
			return []int{mi.Target, i + 1}
		}
		return []int{mi.Target}
	case mirReturn:
		return nil
	default:
		if i+1 < len(m.instrs) {
			return []int{i + 1}
		}
		return nil
	}
}

// liveIntervals computes one interval per virtual register that is
// ever defined or used, sorted by start.
func liveIntervals(m *mirFunc) []interval {
	n := len(m.instrs)
	liveIn := make([]map[int]bool, n)
	for i := range liveIn {
		liveIn[i] = make(map[int]bool)
	}

	changed := true
	for changed {
		changed = false
		for i := n - 1; i >= 0; i-- {
			mi := &m.instrs[i]
			live := make(map[int]bool)
			for _, s := range successors(m, i) {
				for v := range liveIn[s] {
					live[v] = true
				}
			}
			if d := mirDef(mi); d != noVReg {
				delete(live, d)
			}
			for _, u := range mirUses(mi) {
				live[u] = true
			}
			if len(live) != len(liveIn[i]) {
				liveIn[i] = live
				changed = true
				continue
			}
			for v := range live {
				if !liveIn[i][v] {
					liveIn[i] = live
					changed = true
					break
				}
			}
		}
	}

	starts := make(map[int]int)
	ends := make(map[int]int)
	touch := func(v, pos int) {
		if s, ok := starts[v]; !ok || pos < s {
			starts[v] = pos
		}
		if e, ok := ends[v]; !ok || pos > e {
			ends[v] = pos
		}
	}
	for i := range m.instrs {
		mi := &m.instrs[i]
		if d := mirDef(mi); d != noVReg {
			touch(d, i)
		}
		for _, u := range mirUses(mi) {
			touch(u, i)
		}
		for v := range liveIn[i] {
			touch(v, i)
		}
	}

	// Reference locals stay live for the whole function.
	for v := 0; v < m.fn.NumLocals(); v++ {
		if m.vregRef[v] {
			touch(v, 0)
			touch(v, n-1)
		}
	}

	var out []interval
	for v, s := range starts {
		out = append(out, interval{vreg: v, start: s, end: ends[v], float: m.vregFloat[v]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].start != out[j].start {
			return out[i].start < out[j].start
		}
		return out[i].vreg < out[j].vreg
	})
	return out
}
