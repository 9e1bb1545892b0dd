package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitUntilCollectsErrors(t *testing.T) {
	ev := NewInstallEvent(context.Background())
	errA := errors.New("a")
	ev.WaitUntil(func(context.Context) error { return errA })
	ev.WaitUntil(func(context.Context) error { return nil })
	if err := ev.Wait(); !errors.Is(err, errA) {
		t.Fatalf("Wait returned %v", err)
	}
}

func TestWaitDoesNotWaitForBackgroundTasks(t *testing.T) {
	ev := NewFetchEvent(context.Background(), nil)
	release := make(chan struct{})
	var done int32
	ev.Go(func(context.Context) {
		<-release
		atomic.StoreInt32(&done, 1)
	})
	if err := ev.Wait(); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&done) != 0 {
		t.Fatal("Background task finished before release")
	}
	close(release)
	ev.Settle()
	if atomic.LoadInt32(&done) != 1 {
		t.Fatal("Settle returned before background task finished")
	}
}

func TestBackgroundTaskOutlivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ev := NewFetchEvent(ctx, nil)
	errc := make(chan error, 1)
	ev.Go(func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		errc <- ctx.Err()
	})
	cancel()
	ev.Settle()
	if err := <-errc; err != nil {
		t.Fatalf("Background context error: %v", err)
	}
}

func TestSkipWaiting(t *testing.T) {
	ev := NewInstallEvent(context.Background())
	if ev.SkipWaitingRequested() {
		t.Fatal("Skip waiting requested by default")
	}
	ev.SkipWaiting()
	if !ev.SkipWaitingRequested() {
		t.Fatal("Skip waiting not recorded")
	}
}

func TestClaim(t *testing.T) {
	claimed := false
	ev := NewActivateEvent(context.Background(), func(context.Context) error {
		claimed = true
		return nil
	})
	if err := ev.Claim(context.Background()); err != nil || !claimed {
		t.Fatalf("Claim = %v, claimed %v", err, claimed)
	}
}

func TestRespondWithOnce(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	ev := NewFetchEvent(context.Background(), req)
	if res, err := ev.Response(context.Background()); res != nil || err != nil {
		t.Fatalf("Declined event produced %v, %v", res, err)
	}
	want := &http.Response{StatusCode: http.StatusTeapot}
	if err := ev.RespondWith(func(context.Context) (*http.Response, error) { return want, nil }); err != nil {
		t.Fatal(err)
	}
	if err := ev.RespondWith(func(context.Context) (*http.Response, error) { return nil, nil }); err != ErrAlreadyResponded {
		t.Fatalf("Second RespondWith returned %v", err)
	}
	if !ev.Responded() {
		t.Fatal("Event not marked as responded")
	}
	if res, _ := ev.Response(context.Background()); res != want {
		t.Fatalf("Response is %v", res)
	}
}
