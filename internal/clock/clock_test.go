package clock

import (
	"testing"
	"time"
)

func TestManualAfterFiresOnAdvance(t *testing.T) {
	m := NewManual(time.Unix(1000, 0))
	ch := m.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	m.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(time.Second)
	select {
	case now := <-ch:
		if got := now.Unix(); got != 1005 {
			t.Fatalf("expected fire at 1005, got %d", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestManualAfterZeroFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestRealNowIsUTC(t *testing.T) {
	if loc := (Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}
