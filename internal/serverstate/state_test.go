package serverstate

import "testing"

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker(nil)

	if got := tr.Load().Status; got != StatusStarting {
		t.Fatalf("initial status = %q; want %q", got, StatusStarting)
	}

	tr.ChildStarted(42, false)
	st := tr.Load()
	if st.Status != StatusReady || st.PID != 42 || st.Restarts != 0 {
		t.Fatalf("after start = %#v", st)
	}

	tr.ChildExited(StatusRestarting)
	tr.ChildStarted(43, true)
	st = tr.Load()
	if st.Status != StatusReady || st.PID != 43 || st.Restarts != 1 {
		t.Fatalf("after restart = %#v", st)
	}
	if st.UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not set")
	}
}

func TestTrackerDrainWins(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	tr.ChildStarted(1, false)
	tr.StartDrain()
	if !tr.IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}

	tr.SetStatus(StatusReady)
	tr.ChildExited(StatusRestarting)
	if got := tr.Load().Status; got != StatusDraining {
		t.Fatalf("status while draining = %q; want %q", got, StatusDraining)
	}

	tr.ChildExited(StatusStopped)
	if got := tr.Load().Status; got != StatusStopped {
		t.Fatalf("final status = %q; want %q", got, StatusStopped)
	}
}
