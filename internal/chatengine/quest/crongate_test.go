package quest

import (
	"testing"
	"time"
)

func TestCronGateEmptyExprAlwaysAllowed(t *testing.T) {
	g := NewCronGate("")
	if !g.Allowed(time.Now()) {
		t.Fatal("expected an empty cron expression to always allow")
	}
}

func TestCronGateEveryMinuteAlwaysDue(t *testing.T) {
	g := NewCronGate("* * * * *")
	if !g.Allowed(time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)) {
		t.Fatal("expected \"* * * * *\" to be due at any minute boundary")
	}
}

func TestCronGateNilReceiverAllowed(t *testing.T) {
	var g *CronGate
	if !g.Allowed(time.Now()) {
		t.Fatal("expected a nil *CronGate to always allow")
	}
}
