package ratelimit

import "testing"

func TestKeyedAllowsBurstThenDenies(t *testing.T) {
	k := NewKeyed(2, 60)
	if !k.Allow("arc1") {
		t.Fatal("first call should be allowed")
	}
	if !k.Allow("arc1") {
		t.Fatal("second call (within burst) should be allowed")
	}
	if k.Allow("arc1") {
		t.Fatal("third immediate call should be denied")
	}
}

func TestKeyedIsolatesKeys(t *testing.T) {
	k := NewKeyed(1, 60)
	if !k.Allow("arc1") {
		t.Fatal("arc1 first call should be allowed")
	}
	if !k.Allow("arc2") {
		t.Fatal("arc2 should have its own independent bucket")
	}
}

func TestNewKeyedDefaultsNonPositiveInputs(t *testing.T) {
	k := NewKeyed(0, 0)
	if !k.Allow("x") {
		t.Fatal("expected first call to be allowed even with invalid config")
	}
}
