package chaos

import (
	"testing"
	"time"
)

func TestClockOnlyMovesForward(t *testing.T) {
	var c Clock
	before := c.Now()
	c.Advance(2 * time.Hour)
	c.Advance(-time.Hour)
	after := c.Now()
	if d := after.Sub(before); d < 2*time.Hour || d > 2*time.Hour+time.Minute {
		t.Fatalf("expected ~2h of drift, got %v", d)
	}
	if after.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", after.Location())
	}
}
