package queue

import "testing"

func TestPriorityValid(t *testing.T) {
	cases := []struct {
		p     Priority
		valid bool
	}{
		{Urgent, true},
		{High, true},
		{Normal, true},
		{Low, true},
		{Priority(-1), false},
		{Priority(4), false},
	}
	for _, c := range cases {
		if got := c.p.Valid(); got != c.valid {
			t.Errorf("Priority(%d).Valid() = %v, want %v", c.p, got, c.valid)
		}
	}
}

func TestPriorityString(t *testing.T) {
	if Urgent.String() != "URGENT" {
		t.Errorf("Urgent.String() = %q, want URGENT", Urgent.String())
	}
	if Priority(99).String() != "UNKNOWN" {
		t.Errorf("unknown priority should stringify to UNKNOWN, got %q", Priority(99).String())
	}
}

func TestPriorityOrderingLowerIsHigher(t *testing.T) {
	if !(Urgent < High && High < Normal && Normal < Low) {
		t.Fatal("expected Urgent < High < Normal < Low numerically")
	}
}
