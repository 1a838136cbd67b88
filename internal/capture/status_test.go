package capture

import (
	"log/slog"
	"testing"
	"time"
)

func TestScheduleRotatesBiasAcrossSteps(t *testing.T) {
	s := NewSchedule([]float64{800, 800, 800}, []float64{-1, -0.5, 0, 0.5}, 10*time.Second)

	first := s.Next()
	second := s.Next()
	if first.Index != 0 || second.Index != 1 {
		t.Fatalf("unexpected step indices %d, %d", first.Index, second.Index)
	}
	var got []float64
	for _, b := range append(first.Brackets, second.Brackets...) {
		got = append(got, b.Bias)
		if b.ISO != 800 || b.Exposure != 10*time.Second {
			t.Fatalf("unexpected bracket %+v", b)
		}
	}
	want := []float64{-1, -0.5, 0, 0.5, -1, -0.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bias sequence %v, want %v", got, want)
		}
	}
	if first.Exposure() != 30*time.Second {
		t.Fatalf("expected 30s per step, got %s", first.Exposure())
	}

	s.Reset()
	if again := s.Next(); again.Index != 0 || again.Brackets[0].Bias != -1 {
		t.Fatalf("reset did not rewind schedule: %+v", again)
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := newHub(slog.Default())
	slow, _ := h.Subscribe()
	fast, unsubscribe := h.Subscribe()

	for i := 0; i < 40; i++ {
		h.publish(Event{Kind: EventCounters, Status: Status{Captured: i}})
		<-fast
	}
	if n := len(slow); n != cap(slow) {
		t.Fatalf("expected slow subscriber buffer full, got %d", n)
	}

	unsubscribe()
	if _, ok := <-fast; ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	h.close()
	for range slow {
	}
	late, _ := h.Subscribe()
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel after hub close")
	}
}

func TestStateNames(t *testing.T) {
	cases := map[State]string{Preparing: "preparing", Capturing: "capturing", Failed: "failed"}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("%d: got %q want %q", s, s.String(), want)
		}
	}
	if FailureNone.String() != "" || FailureDevice.String() != "device failure" {
		t.Fatalf("unexpected failure names")
	}
}
