package scanloop

import (
	"context"
	"testing"
	"time"
)

func TestRun_FiresAtInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fired := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		Run(ctx, 5*time.Millisecond, 0, func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
		close(done)
	}()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop never fired")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop on cancel")
	}
}

func TestRun_StopsBeforeFirstFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, time.Hour, 0, func() { t.Errorf("fn ran after cancel") })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit")
	}
}
