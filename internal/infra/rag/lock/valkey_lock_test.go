package lock

import "testing"

func TestNewValkeyLockDefaultsPrefix(t *testing.T) {
	l := NewValkeyLock(nil, "")
	if got := l.fullKey("kb-1"); got != "kbrag:lock:kb-1" {
		t.Fatalf("expected default prefix applied, got %q", got)
	}
}

func TestNewValkeyLockPreservesCustomPrefix(t *testing.T) {
	l := NewValkeyLock(nil, "myapp:locks")
	if got := l.fullKey("kb-1"); got != "myapp:locks:kb-1" {
		t.Fatalf("expected custom prefix applied, got %q", got)
	}
}
