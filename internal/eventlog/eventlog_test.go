package eventlog

import (
	"fmt"
	"testing"

	"github.com/coder/quartz"
)

func TestRing_EvictsOldestAtCapacity(t *testing.T) {
	clock := quartz.NewMock(t)
	r := NewRing(3, clock, nil)
	for i := 0; i < 5; i++ {
		r.Infof("event %d", i)
	}
	if r.Len() != 3 {
		t.Fatalf("len: got %d want 3", r.Len())
	}
	got := r.Recent(0)
	want := []string{"event 4", "event 3", "event 2"}
	for i, w := range want {
		if got[i].Message != w {
			t.Fatalf("recent[%d]: got %q want %q", i, got[i].Message, w)
		}
	}
}

func TestRing_RecentNewestFirstLimited(t *testing.T) {
	clock := quartz.NewMock(t)
	r := NewRing(10, clock, nil)
	r.Infof("a")
	r.Warnf("b")
	r.Errorf("c")
	got := r.Recent(2)
	if len(got) != 2 || got[0].Message != "c" || got[1].Message != "b" {
		t.Fatalf("recent(2): got %+v", got)
	}
	if got[0].Severity != SevError {
		t.Fatalf("severity: got %s", got[0].Severity)
	}
}

func TestRing_SubscribeReceivesAndDrops(t *testing.T) {
	clock := quartz.NewMock(t)
	r := NewRing(10, clock, nil)
	ch, cancel := r.Subscribe()
	defer cancel()

	r.Infof("hello")
	select {
	case ev := <-ch:
		if ev.Message != "hello" {
			t.Fatalf("got %q", ev.Message)
		}
	default:
		t.Fatalf("expected buffered event")
	}

	// Overflow the buffer; the ring must not block.
	for i := 0; i < 600; i++ {
		r.Infof(fmt.Sprintf("spam %d", i))
	}
	if r.Len() != 10 {
		t.Fatalf("ring len: got %d", r.Len())
	}
}
