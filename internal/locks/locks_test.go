package locks

import (
	"context"
	"testing"
	"time"
)

func TestLocalLockerSerializesOneKey(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "crop:a:1:0")
	if err != nil {
		t.Fatalf("first Lock failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := locker.Lock(ctx, "crop:a:1:0")
		if err != nil {
			t.Errorf("second Lock failed: %v", err)
			return
		}
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock succeeded while the first was still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after release")
	}
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	unlockA, err := locker.Lock(ctx, "crop:a:1:0")
	if err != nil {
		t.Fatalf("Lock(a) failed: %v", err)
	}
	defer unlockA()

	done := make(chan error, 1)
	go func() {
		unlockB, err := locker.Lock(ctx, "crop:b:1:0")
		if err == nil {
			unlockB()
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Lock(b) failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Lock on an unrelated key blocked")
	}
}

func TestLocalLockerObservesCancellation(t *testing.T) {
	locker := NewLocalLocker()

	unlock, err := locker.Lock(context.Background(), "crop:a:1:0")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := locker.Lock(ctx, "crop:a:1:0"); err == nil {
		t.Fatal("Lock on a held key returned without error after cancellation")
	}
}
