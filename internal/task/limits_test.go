package task

import "testing"

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestDistributeLimitsEvenSplit(t *testing.T) {
	limits := []int{-1, -1, -1, -1}
	got := DistributeLimits(limits, 100)
	if sum(got) != 100 {
		t.Fatalf("sum = %d, want 100", sum(got))
	}
	for i, v := range got {
		if v != 25 {
			t.Errorf("got[%d] = %d, want 25", i, v)
		}
	}
}

func TestDistributeLimitsCapsAtOwnLimit(t *testing.T) {
	// series 0 only wants 10; the rest should absorb the leftover budget.
	limits := []int{10, -1, -1}
	got := DistributeLimits(limits, 100)
	if got[0] != 10 {
		t.Errorf("got[0] = %d, want 10 (capped at own limit)", got[0])
	}
	if sum(got) != 100 {
		t.Fatalf("sum = %d, want 100 (full budget handed out)", sum(got))
	}
	if got[1] != got[2] {
		t.Errorf("got[1]=%d got[2]=%d, want equal shares of the remaining budget", got[1], got[2])
	}
}

func TestDistributeLimitsNeverExceedsMaxLimit(t *testing.T) {
	limits := []int{1000, 1000, 1000}
	got := DistributeLimits(limits, 100)
	if sum(got) > 100 {
		t.Fatalf("sum = %d, want <= 100", sum(got))
	}
}

func TestDistributeLimitsZeroLimitGetsNothing(t *testing.T) {
	limits := []int{0, -1}
	got := DistributeLimits(limits, 100)
	if got[0] != 0 {
		t.Errorf("got[0] = %d, want 0", got[0])
	}
	if got[1] != 100 {
		t.Errorf("got[1] = %d, want 100 (absorbs whole budget)", got[1])
	}
}

func TestDistributeLimitsUnevenRemainderFullyDistributed(t *testing.T) {
	limits := []int{-1, -1, -1}
	got := DistributeLimits(limits, 100)
	if sum(got) != 100 {
		t.Fatalf("sum = %d, want 100 (no budget left stranded by integer division)", sum(got))
	}
}

func TestDistributeLimitsEmpty(t *testing.T) {
	got := DistributeLimits(nil, 100)
	if len(got) != 0 {
		t.Fatalf("len(got) = %d, want 0", len(got))
	}
}
