package rating

import (
	"math"
	"testing"
)

func TestEqualRatingsDecisive(t *testing.T) {
	if e := Expected(1500, 1500); e != 0.5 {
		t.Fatalf("expected 0.5, got %v", e)
	}
	w, l := Pair(1500, 1500, Win)
	if w.After != 1516 {
		t.Fatalf("expected winner 1516, got %d", w.After)
	}
	if l.After != 1484 {
		t.Fatalf("expected loser 1484, got %d", l.After)
	}
}

func TestDrawBetweenEqualsIsNeutral(t *testing.T) {
	a, b := Pair(1500, 1500, Draw)
	if a.Delta != 0 || b.Delta != 0 {
		t.Fatalf("expected no change, got %+d/%+d", a.Delta, b.Delta)
	}
}

func TestZeroSum(t *testing.T) {
	cases := []struct {
		a, b int
		s    Score
	}{
		{1500, 1500, Win},
		{1200, 1800, Win},
		{1800, 1200, Win},
		{2100, 1350, Loss},
		{1000, 1000, Loss},
		{1600, 1400, Draw},
	}
	for _, c := range cases {
		ca, cb := Pair(c.a, c.b, c.s)
		// each side rounds independently so the sum can drift by one
		if sum := ca.Delta + cb.Delta; math.Abs(float64(sum)) > 1 {
			t.Errorf("%d vs %d (%v): deltas %+d %+d not zero-sum", c.a, c.b, c.s, ca.Delta, cb.Delta)
		}
	}
}

func TestUnderdogGainsMore(t *testing.T) {
	under, _ := Pair(1200, 1800, Win)
	fav, _ := Pair(1800, 1200, Win)
	if under.Delta <= fav.Delta {
		t.Fatalf("underdog win (%d) should gain more than favourite win (%d)", under.Delta, fav.Delta)
	}
	if under.Delta > K {
		t.Fatalf("gain %d exceeds K", under.Delta)
	}
}
