package opt

import "testing"

func TestConvergenceTracker_Patience(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2, Threshold: 0.01})

	scores := []float64{10, 5, 4.99, 4.98}
	want := []bool{false, false, false, true}
	for i, s := range scores {
		if got := tracker.Update(s); got != want[i] {
			t.Errorf("Update(%g) = %v, want %v", s, got, want[i])
		}
	}

	if tracker.Best() != 4.98 {
		t.Errorf("Best() = %g, want 4.98", tracker.Best())
	}
	if len(tracker.History()) != 4 {
		t.Errorf("History() has %d entries, want 4", len(tracker.History()))
	}
}

func TestConvergenceTracker_ImprovementResetsStaleCount(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 2, Threshold: 0.01})
	tracker.Update(10)
	tracker.Update(9.99)
	if tracker.StaleCount() != 1 {
		t.Fatalf("StaleCount() = %d, want 1", tracker.StaleCount())
	}
	tracker.Update(5)
	if tracker.StaleCount() != 0 {
		t.Errorf("StaleCount() = %d after improvement, want 0", tracker.StaleCount())
	}

	tracker.Reset()
	if len(tracker.History()) != 0 || tracker.StaleCount() != 0 {
		t.Error("Reset did not clear state")
	}
}

func TestConvergenceTracker_ZeroScore(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{Enabled: true, Patience: 1, Threshold: 0.01})
	tracker.Update(0)
	if !tracker.Update(0) {
		t.Error("Expected convergence when score stays at zero")
	}
}

func TestConvergenceTracker_Disabled(t *testing.T) {
	tracker := NewConvergenceTracker(ConvergenceConfig{})
	for i := 0; i < 10; i++ {
		if tracker.Update(1) {
			t.Fatal("Disabled tracker must never converge")
		}
	}
}
