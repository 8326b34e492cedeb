package outmta

import (
	"context"
	"testing"
	"time"
)

func TestSleep(t *testing.T) {
	if done := Sleep(context.Background(), time.Millisecond); done {
		t.Fatalf("sleep with live context reported it done")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	t0 := time.Now()
	if done := Sleep(ctx, time.Hour); !done {
		t.Fatalf("sleep did not see the canceled context")
	}
	if time.Since(t0) > time.Second {
		t.Fatalf("sleep did not return promptly for a canceled context")
	}
}
