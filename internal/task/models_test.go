package task

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusPaused},
		{StatusPending, StatusCancelled},
		{StatusRunning, StatusPaused},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusPaused, StatusRunning},
		{StatusPaused, StatusCancelled},
		{StatusFailed, StatusPending},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusPaused, StatusCompleted},
		{StatusPaused, StatusFailed},
		{StatusCompleted, StatusRunning},
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusRunning},
		{StatusCancelled, StatusPending},
		{StatusFailed, StatusRunning},
	}
	for _, tc := range forbidden {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be forbidden", tc.from, tc.to)
		}
	}
}

func TestValidTransitionRetryBudget(t *testing.T) {
	tk := &Task{Status: StatusFailed, RetryCount: 2, MaxRetries: 3}
	if err := tk.ValidTransition(StatusPending); err != nil {
		t.Fatalf("retry within budget should be allowed: %v", err)
	}

	tk.RetryCount = 3
	err := tk.ValidTransition(StatusPending)
	if err == nil {
		t.Fatal("retry with exhausted budget should be rejected")
	}
	if !IsIllegalTransition(err) {
		t.Fatalf("expected IllegalTransitionError, got %T", err)
	}
}

func TestValidTransitionSelf(t *testing.T) {
	tk := &Task{Status: StatusRunning}
	if err := tk.ValidTransition(StatusRunning); err != nil {
		t.Fatalf("self transition should be a no-op: %v", err)
	}
}

func TestPriorityRank(t *testing.T) {
	order := []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
	for i := 0; i < len(order)-1; i++ {
		if order[i].Rank() <= order[i+1].Rank() {
			t.Errorf("expected %s to rank above %s", order[i], order[i+1])
		}
	}
	if Priority("bogus").Rank() != 0 {
		t.Error("unknown priority should rank 0")
	}
}

func TestPauseReasonAutoResumable(t *testing.T) {
	for _, r := range []PauseReason{PauseReasonCapacity, PauseReasonBudget, PauseReasonUsageLimit} {
		if !r.AutoResumable() {
			t.Errorf("%s should be auto-resumable", r)
		}
	}
	for _, r := range []PauseReason{PauseReasonManual, PauseReasonUserRequest, PauseReasonError, PauseReasonDependency} {
		if r.AutoResumable() {
			t.Errorf("%s should not be auto-resumable", r)
		}
	}
}

func TestUsageAddAndMonotonic(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, EstimatedCost: MoneyFromDollars(0.25)}
	delta := Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15, EstimatedCost: MoneyFromDollars(0.01)}
	sum := u.Add(delta)

	if sum.TotalTokens != 165 {
		t.Errorf("total tokens: got %d, want 165", sum.TotalTokens)
	}
	if sum.EstimatedCost != MoneyFromDollars(0.26) {
		t.Errorf("cost: got %s", sum.EstimatedCost)
	}
	if !sum.AtLeast(u) {
		t.Error("sum should be at least the previous rollup")
	}
	if u.AtLeast(sum) {
		t.Error("previous rollup should not be at least the sum")
	}
}

func TestMoneyFixedPoint(t *testing.T) {
	m := MoneyFromDollars(1.2345)
	if m != 12345 {
		t.Errorf("got %d, want 12345", m)
	}
	if m.Dollars() != 1.2345 {
		t.Errorf("dollars: got %v", m.Dollars())
	}
	if m.String() != "$1.2345" {
		t.Errorf("string: got %q", m.String())
	}
	if MoneyFromDollars(-0.5).String() != "-$0.5000" {
		t.Errorf("negative string: got %q", MoneyFromDollars(-0.5).String())
	}

	// Repeated small additions must not drift.
	var total Money
	for i := 0; i < 1000; i++ {
		total = total.Add(MoneyFromDollars(0.0001))
	}
	if total != MoneyFromDollars(0.1) {
		t.Errorf("accumulated: got %s, want $0.1000", total)
	}
}
