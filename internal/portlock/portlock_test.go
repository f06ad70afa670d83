package portlock

import (
	"errors"
	"testing"
	"time"
)

func TestAcquireMutualExclusion(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire("/dev/ttyUSB0", "flash:job-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Acquire("/dev/ttyUSB0", "monitor:sess-1"); !errors.Is(err, ErrPortBusy) {
		t.Fatalf("second acquire err = %v, want ErrPortBusy", err)
	}

	holder, held := r.Holder("/dev/ttyUSB0")
	if !held || holder != "flash:job-1" {
		t.Errorf("holder = %q/%v, want flash:job-1", holder, held)
	}

	// A different port is independent.
	other, err := r.Acquire("/dev/ttyUSB1", "monitor:sess-1")
	if err != nil {
		t.Fatal(err)
	}
	other()
	release()
}

func TestCooldownAfterRelease(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }

	release, err := r.Acquire("/dev/ttyUSB0", "flash:job-1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	if _, err := r.Acquire("/dev/ttyUSB0", "monitor:sess-1"); !errors.Is(err, ErrPortBusy) {
		t.Fatalf("acquire during cooldown err = %v, want ErrPortBusy", err)
	}

	r.now = func() time.Time { return base.Add(Cooldown + time.Millisecond) }
	release2, err := r.Acquire("/dev/ttyUSB0", "monitor:sess-1")
	if err != nil {
		t.Fatalf("acquire after cooldown err = %v", err)
	}
	release2()
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.now = func() time.Time { return base }

	release, err := r.Acquire("/dev/ttyUSB0", "flash:job-1")
	if err != nil {
		t.Fatal(err)
	}
	release()

	// The port is in cooldown now; a second release must not reset the
	// timestamp or disturb a future holder.
	r.now = func() time.Time { return base.Add(Cooldown + time.Millisecond) }
	release2, err := r.Acquire("/dev/ttyUSB0", "flash:job-2")
	if err != nil {
		t.Fatal(err)
	}
	release()

	if holder, held := r.Holder("/dev/ttyUSB0"); !held || holder != "flash:job-2" {
		t.Errorf("holder = %q/%v, want flash:job-2 after stale release", holder, held)
	}
	release2()
}

func TestCanonicalPortPaths(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire("/dev/ttyUSB0", "flash:job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := r.Acquire("/dev/./ttyUSB0", "monitor:sess-1"); !errors.Is(err, ErrPortBusy) {
		t.Fatalf("acquire via unclean path err = %v, want ErrPortBusy", err)
	}
}
