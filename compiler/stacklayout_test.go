package compiler

import "testing"

func TestFrameOffsets(t *testing.T) {
	l := FrameLayout{NumArgs: 2, NumLocals: 1, NumVRegs: 4}

	if got := l.ArgOffset(0); got != -16 {
		t.Errorf("ArgOffset(0) = %d, want -16", got)
	}
	if got := l.ArgOffset(1); got != -24 {
		t.Errorf("ArgOffset(1) = %d, want -24", got)
	}
	if got := l.LocalOffset(0); got != -32 {
		t.Errorf("LocalOffset(0) = %d, want -32", got)
	}
	// Virtual register 0 is local 0.
	if l.VRegOffset(0) != l.LocalOffset(0) {
		t.Errorf("VRegOffset(0) = %d, want LocalOffset(0) = %d",
			l.VRegOffset(0), l.LocalOffset(0))
	}
	if got := l.VRegOffset(3); got != -56 {
		t.Errorf("VRegOffset(3) = %d, want -56", got)
	}

	if l.SlotIndexOfArg(1) != 1 {
		t.Errorf("SlotIndexOfArg(1) = %d, want 1", l.SlotIndexOfArg(1))
	}
	if l.SlotIndexOfLocal(0) != 2 {
		t.Errorf("SlotIndexOfLocal(0) = %d, want 2", l.SlotIndexOfLocal(0))
	}
	if l.SlotIndexOfVReg(0) != l.SlotIndexOfLocal(0) {
		t.Error("vreg 0 and local 0 disagree on slot index")
	}
	if got := l.SlotOffset(l.SlotIndexOfVReg(3)); got != l.VRegOffset(3) {
		t.Errorf("slot index round trip = %d, want %d", got, l.VRegOffset(3))
	}
}

func TestFrameSizeAlignment(t *testing.T) {
	tests := []struct {
		args, locals, vregs int
		want                int32
	}{
		{0, 0, 0, 16}, // just the function index slot, rounded
		{1, 0, 0, 16}, // index + one arg
		{2, 1, 4, 64}, // 8 slots
		{1, 1, 2, 48}, // 5 slots round up to 6
	}
	for _, tt := range tests {
		l := FrameLayout{NumArgs: tt.args, NumLocals: tt.locals, NumVRegs: tt.vregs}
		if got := l.FrameSize(); got != tt.want {
			t.Errorf("FrameSize(%d args, %d locals, %d vregs) = %d, want %d",
				tt.args, tt.locals, tt.vregs, got, tt.want)
		}
		if l.FrameSize()%16 != 0 {
			t.Errorf("frame size %d not 16-byte aligned", l.FrameSize())
		}
	}
}
