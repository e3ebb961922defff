package zkasync

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageResolvesOnce(t *testing.T) {
	stage, c := NewStage[string]()

	var mu sync.Mutex
	var seen []string
	record := func(tag string) func(string, error) {
		return func(v string, err error) {
			assert.NoError(t, err)
			mu.Lock()
			seen = append(seen, tag+":"+v)
			mu.Unlock()
		}
	}

	stage.WhenComplete(record("first"))
	stage.WhenComplete(record("second"))
	_, _, ok := stage.Result()
	assert.False(t, ok)

	c.Succeed("/a")
	stage.WhenComplete(record("third"))

	assert.Equal(t, []string{"first:/a", "second:/a", "third:/a"}, seen)
	assert.Panics(t, func() { c.Succeed("/b") })
	assert.Panics(t, func() { c.Fail(errors.New("late")) })

	v, err, ok := stage.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, "/a", v)
	assert.Len(t, seen, 3)
}

func TestStageFailure(t *testing.T) {
	stage, c := NewStage[string]()
	cause := &RemoteOperationError{Kind: KindRejected, Op: "create", Path: "/a", Err: errors.New("boom")}

	var accepted bool
	stage.ThenAccept(func(string) { accepted = true })
	c.Fail(cause)

	_, err := stage.Wait(context.Background())
	assert.Equal(t, cause, err)
	assert.False(t, accepted)
}

func TestStageFailNilPanics(t *testing.T) {
	_, c := NewStage[int]()
	assert.Panics(t, func() { c.Fail(nil) })
}

func TestStageWaitTimeout(t *testing.T) {
	stage, c := NewStage[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := stage.Wait(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	// The stage is still resolvable after the wait gave up.
	c.Succeed(7)
	v, err := stage.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestStageConcurrentResolution(t *testing.T) {
	stage, c := NewStage[int]()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		stage.WhenComplete(func(int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Succeed(1)
	}()
	for i := 50; i < 100; i++ {
		i := i
		stage.WhenComplete(func(int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	<-stage.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestStagePanickingContinuation(t *testing.T) {
	stage, c := NewStage[int]()

	var seen []int
	stage.WhenComplete(func(int, error) { panic("boom") })
	stage.WhenComplete(func(v int, _ error) { seen = append(seen, v) })

	assert.PanicsWithValue(t, "boom", func() { c.Succeed(7) })

	stage.WhenComplete(func(v int, _ error) { seen = append(seen, v+1) })
	assert.Equal(t, []int{7, 8}, seen)

	v, err, ok := stage.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestThen(t *testing.T) {
	stage, c := NewStage[int]()
	doubled := Then(stage, func(v int) (string, error) { return strconv.Itoa(v * 2), nil })
	failing := Then(stage, func(int) (string, error) { return "", errors.New("bad value") })

	c.Succeed(21)

	v, err := doubled.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	_, err = failing.Wait(context.Background())
	assert.EqualError(t, err, "bad value")

	failed := Then(Failed[int](errors.New("upstream")), func(int) (int, error) {
		t.Fatal("must not run on failure")
		return 0, nil
	})
	_, err = failed.Wait(context.Background())
	assert.EqualError(t, err, "upstream")

	v2, err := Completed("done").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", v2)
}
