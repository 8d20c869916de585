package syncutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGatherAllOrNothingSuccess(t *testing.T) {
	calls := 0
	err := GatherAllOrNothing(context.Background(),
		func(ctx context.Context) error { calls++; return nil },
		func(ctx context.Context) error { calls++; return nil },
	)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestGatherAllOrNothingCancelsSiblings(t *testing.T) {
	boom := errors.New("boom")
	cancelled := make(chan struct{})
	err := GatherAllOrNothing(context.Background(),
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				close(cancelled)
				return ctx.Err()
			case <-time.After(time.Second):
				t.Error("sibling task was not cancelled")
				return nil
			}
		},
	)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("sibling was never cancelled")
	}
}
