package async

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mjl-/imapmirror/mlog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var pkglog = mlog.New("async", nil)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func TestTask(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	task := Go(ctx, pkglog, "test", func(ctx context.Context) (int, error) {
		<-release
		return 42, nil
	})
	tcompare(t, task.Poll(), false)
	_, err := task.Result()
	tcompare(t, err, ErrPending)

	close(release)
	v, err := task.Wait(ctx)
	tcheckf(t, err, "wait")
	tcompare(t, v, 42)
	tcompare(t, task.Poll(), true)

	// Error is passed through.
	errx := errors.New("boom")
	task = Go(ctx, pkglog, "error", func(ctx context.Context) (int, error) {
		return 1, errx
	})
	<-task.Done()
	_, err = task.Result()
	tcompare(t, err, errx)
}

func TestTaskCancel(t *testing.T) {
	ctx := context.Background()

	started := make(chan struct{})
	task := Go(ctx, pkglog, "cancel", func(ctx context.Context) ([]string, error) {
		close(started)
		<-ctx.Done()
		// Partial result, must not be visible to the caller.
		return []string{"partial"}, ctx.Err()
	})
	<-started
	task.Cancel()
	v, err := task.Wait(ctx)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("got err %v, expected ErrCanceled", err)
	}
	tcompare(t, v, []string(nil))
}

func TestTaskPanic(t *testing.T) {
	task := Go(context.Background(), pkglog, "panic", func(ctx context.Context) (int, error) {
		panic("oops")
	})
	_, err := task.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected error for panic")
	}
}

func TestTaskWaitContext(t *testing.T) {
	release := make(chan struct{})
	task := Go(context.Background(), pkglog, "slow", func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got err %v, expected deadline exceeded", err)
	}
	close(release)
	<-task.Done()
}
