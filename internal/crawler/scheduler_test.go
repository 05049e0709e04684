package crawler

import "testing"

func TestScheduleJobValidatesCronExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	noop := func() error { return nil }
	if err := s.ScheduleJob("refresh:ms", "0 3 * * *", noop); err != nil {
		t.Fatalf("valid cron expression rejected: %v", err)
	}
	if err := s.ScheduleJob("refresh:rj", "not a cron", noop); err == nil {
		t.Error("invalid cron expression accepted")
	}
}

func TestScheduleJobRejectsDuplicateTag(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	noop := func() error { return nil }
	if err := s.ScheduleJob("refresh:ms", "0 3 * * *", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.ScheduleJob("refresh:ms", "0 4 * * *", noop); err == nil {
		t.Error("duplicate tag accepted despite unique tags")
	}
}
