package watcher

import "testing"

func TestTransitionTrackerEmitsOnlyRisingEdgesAfterBaseline(t *testing.T) {
	sequence := []bool{false, false, true, true, false, true}
	var fired []int
	var tracker transitionTracker
	for index, value := range sequence {
		if tracker.observe(value) {
			fired = append(fired, index+1)
		}
	}
	if len(fired) != 2 || fired[0] != 3 || fired[1] != 6 {
		t.Fatalf("expected events at positions 3 and 6, got %v", fired)
	}
}

func TestTransitionTrackerBaselineTrueDoesNotEmit(t *testing.T) {
	var tracker transitionTracker
	if tracker.observe(true) {
		t.Fatalf("baseline must not emit")
	}
	if tracker.observe(true) {
		t.Fatalf("unchanged value must not emit")
	}
}
