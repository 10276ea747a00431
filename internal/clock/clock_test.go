package clock

import (
	"testing"
	"time"
)

func TestFake_AfterFuncFiresOnAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := 0
	c.AfterFunc(10*time.Second, func() { fired++ })

	c.Advance(9 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(1 * time.Second)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}
	c.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFake_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected Stop to report an active timer")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop should report inactive")
	}
}

func TestFake_TickerDelivers(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.NewTicker(5 * time.Second)
	defer tk.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected a tick")
	}
	if c.Pending() != 1 {
		t.Fatalf("ticker should stay pending, got %d", c.Pending())
	}
}
