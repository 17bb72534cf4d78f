package deal

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateDraft, StateFunded, true},
		{StateDraft, StateReleased, false},
		{StateFunded, StateReleased, true},
		{StateFunded, StateDisputed, true},
		{StateFunded, StateRefunded, false},
		{StateDisputed, StateFunded, true},
		{StateDisputed, StateReleased, true},
		{StateDisputed, StateRefunded, true},
		{StateReleased, StateFunded, false},
		{StateRefunded, StateFunded, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestDisputable(t *testing.T) {
	if !Disputable(StateFunded) {
		t.Error("funded deals must be disputable")
	}
	for _, s := range []State{StateDraft, StateReleased, StateRefunded, StateDisputed} {
		if Disputable(s) {
			t.Errorf("expected %s to not be disputable", s)
		}
	}
}
