package clock_test

import (
	"testing"
	"time"

	"github.com/MrWong99/sprechstunde/pkg/clock"
)

func TestFake_AfterFuncFiresInOrder(t *testing.T) {
	t.Parallel()
	start := time.Unix(0, 0)
	c := clock.NewFake(start)

	var order []int
	c.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	c.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	stopped := c.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })

	if !stopped.Stop() {
		t.Fatal("Stop on pending timer should report true")
	}
	c.Advance(25 * time.Millisecond)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("after 25ms order = %v, want [1]", order)
	}
	c.Advance(10 * time.Millisecond)
	if len(order) != 2 || order[1] != 3 {
		t.Fatalf("after 35ms order = %v, want [1 3]", order)
	}
	if got := c.Now().Sub(start); got != 35*time.Millisecond {
		t.Errorf("Now advanced by %v, want 35ms", got)
	}
	if c.PendingTimers() != 0 {
		t.Errorf("PendingTimers = %d, want 0", c.PendingTimers())
	}
}

func TestFake_TimerSeesDeadlineAsNow(t *testing.T) {
	t.Parallel()
	start := time.Unix(0, 0)
	c := clock.NewFake(start)
	var at time.Time
	c.AfterFunc(40*time.Millisecond, func() { at = c.Now() })
	c.Advance(time.Second)
	if got := at.Sub(start); got != 40*time.Millisecond {
		t.Errorf("timer observed now=%v, want 40ms", got)
	}
}

func TestFake_Ticker(t *testing.T) {
	t.Parallel()
	c := clock.NewFake(time.Unix(0, 0))
	tk := c.NewTicker(10 * time.Millisecond)
	defer tk.Stop()

	c.Advance(5 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("tick before period elapsed")
	default:
	}
	c.Advance(5 * time.Millisecond)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected a tick at 10ms")
	}
}
