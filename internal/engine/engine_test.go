package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOperationCompletesSuccessfully(t *testing.T) {
	e := New(4)
	var mu sync.Mutex
	op := e.Submit(context.Background(), 1, KindListTables, &mu, func(ctx context.Context) (interface{}, error) {
		return []string{"a", "b"}, nil
	})

	state := op.Wait(time.Second)
	require.Equal(t, StateCompleted, state)
	result, errMsg, st := op.Result()
	require.Empty(t, errMsg)
	require.Equal(t, StateCompleted, st)
	require.Equal(t, []string{"a", "b"}, result)
}

func TestOperationCapturesWorkError(t *testing.T) {
	e := New(4)
	var mu sync.Mutex
	op := e.Submit(context.Background(), 1, KindExecSQL, &mu, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})

	state := op.Wait(time.Second)
	require.Equal(t, StateError, state)
	_, errMsg, _ := op.Result()
	require.Equal(t, "boom", errMsg)
}

// TestCancellationTerminality: once Cancel is called, the operation ends
// in exactly one terminal state, and the result slot is never populated
// for a cancelled operation.
func TestCancellationTerminality(t *testing.T) {
	e := New(4)
	var mu sync.Mutex
	started := make(chan struct{})
	op := e.Submit(context.Background(), 1, KindQueryPage, &mu, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	<-started
	op.Cancel()
	state := op.Wait(time.Second)
	require.Equal(t, StateCancelled, state)

	result, _, st := op.Result()
	require.Equal(t, StateCancelled, st)
	require.Nil(t, result)

	// Cancelling an already-terminal operation must be a no-op, not panic.
	op.Cancel()
	require.Equal(t, StateCancelled, op.Poll())
}

// TestPerConnectionSerialization: two operations submitted against the
// same connMutex never execute their work functions concurrently.
func TestPerConnectionSerialization(t *testing.T) {
	e := New(8)
	var connMutex sync.Mutex

	var running int32
	var maxRunning int32
	var raceMu sync.Mutex
	track := func(ctx context.Context) (interface{}, error) {
		raceMu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		raceMu.Unlock()

		time.Sleep(20 * time.Millisecond)

		raceMu.Lock()
		running--
		raceMu.Unlock()
		return nil, nil
	}

	var ops []*Operation
	for i := 0; i < 5; i++ {
		ops = append(ops, e.Submit(context.Background(), 1, KindQueryPage, &connMutex, track))
	}
	for _, op := range ops {
		op.Wait(2 * time.Second)
	}

	raceMu.Lock()
	defer raceMu.Unlock()
	require.Equal(t, int32(1), maxRunning, "operations sharing a connection mutex must never run concurrently")
}

func TestPollIsNonBlocking(t *testing.T) {
	e := New(4)
	var mu sync.Mutex
	release := make(chan struct{})
	op := e.Submit(context.Background(), 1, KindExecSQL, &mu, func(ctx context.Context) (interface{}, error) {
		<-release
		return "done", nil
	})

	require.NotEqual(t, StateCompleted, op.Poll())
	close(release)
	op.Wait(time.Second)
	require.Equal(t, StateCompleted, op.Poll())
}

func TestWaitTimesOutWithoutTerminalState(t *testing.T) {
	e := New(4)
	var mu sync.Mutex
	release := make(chan struct{})
	defer close(release)

	op := e.Submit(context.Background(), 1, KindExecSQL, &mu, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})

	state := op.Wait(50 * time.Millisecond)
	require.False(t, state.Terminal())
}

func TestEngineShutdownCancelsOutstandingOperations(t *testing.T) {
	e := New(4)
	var mu sync.Mutex
	started := make(chan struct{})
	op := e.Submit(context.Background(), 1, KindQueryPage, &mu, func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	<-started
	e.Shutdown(time.Second)
	require.True(t, op.Poll().Terminal())
	require.Equal(t, StateCancelled, op.Poll())
}
