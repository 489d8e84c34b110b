package server

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/types"
)

type recordingDrainer struct {
	mu     sync.Mutex
	calls  []string
	err    error
	block  time.Duration
	closed int
}

func (d *recordingDrainer) record(step string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, step)
}

func (d *recordingDrainer) Close(ctx context.Context) error {
	d.record("drain")
	if d.block > 0 {
		select {
		case <-time.After(d.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.closed++
	d.mu.Unlock()
	return d.err
}

func (d *recordingDrainer) steps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func newManager(t *testing.T, d Drainer, timeout time.Duration) *ShutdownManager {
	t.Helper()
	sm, err := NewShutdownManager(d, timeout, logger.NewNop())
	require.NoError(t, err)
	return sm
}

func TestNewShutdownManagerValidates(t *testing.T) {
	_, err := NewShutdownManager(nil, time.Second, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = NewShutdownManager(&recordingDrainer{}, 0, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestShutdownRunsHooksAroundDrain(t *testing.T) {
	d := &recordingDrainer{}
	sm := newManager(t, d, 5*time.Second)
	sm.AddHook(func(context.Context) error { d.record("pre"); return nil })
	sm.AddPostHook(func(context.Context) error { d.record("post"); return nil })

	assert.Equal(t, ShutdownStateRunning, sm.State())
	require.NoError(t, sm.Shutdown(context.Background(), "test"))

	assert.Equal(t, []string{"pre", "drain", "post"}, d.steps())
	assert.Equal(t, ShutdownStateComplete, sm.State())
	assert.True(t, sm.IsShuttingDown())
	assert.Equal(t, "test", sm.Reason())

	select {
	case <-sm.Done():
	default:
		t.Fatal("Done should be closed after shutdown")
	}
}

func TestShutdownOnlyOnce(t *testing.T) {
	d := &recordingDrainer{}
	sm := newManager(t, d, 5*time.Second)

	require.NoError(t, sm.Shutdown(context.Background(), "first"))
	err := sm.Shutdown(context.Background(), "second")
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
	assert.Equal(t, 1, d.closed)
	assert.Equal(t, "first", sm.Reason())
}

func TestShutdownReportsFailures(t *testing.T) {
	drainErr := errors.New("drain failed")
	d := &recordingDrainer{err: drainErr}
	sm := newManager(t, d, 5*time.Second)
	hookErr := errors.New("hook failed")
	sm.AddHook(func(context.Context) error { return hookErr })

	err := sm.Shutdown(context.Background(), "test")
	assert.ErrorIs(t, err, drainErr)
	assert.ErrorIs(t, err, hookErr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, sm.WaitCompletion(ctx), drainErr)
}

func TestShutdownBoundedByTimeout(t *testing.T) {
	d := &recordingDrainer{block: time.Minute}
	sm := newManager(t, d, 100*time.Millisecond)

	start := time.Now()
	err := sm.Shutdown(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, ShutdownStateComplete, sm.State())
}

func TestShutdownAndWaitCanceled(t *testing.T) {
	d := &recordingDrainer{block: 2 * time.Second}
	sm := newManager(t, d, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sm.ShutdownAndWait(ctx, "test")
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled) || errors.Is(err, context.DeadlineExceeded))
}

func TestWaitCompletionCanceled(t *testing.T) {
	sm := newManager(t, &recordingDrainer{}, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.True(t, types.IsErrCode(sm.WaitCompletion(ctx), types.ErrCodeCanceled))
}

func TestSignalTriggersShutdown(t *testing.T) {
	d := &recordingDrainer{}
	sm := newManager(t, d, 5*time.Second)
	sm.Start()
	sm.Start()
	defer sm.Stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sm.WaitCompletion(ctx))
	assert.Contains(t, sm.Reason(), "terminated")
	assert.Equal(t, []string{"drain"}, d.steps())
}

func TestShutdownDrainsPlane(t *testing.T) {
	p := bootstrap(t, testConfig())
	sm := newManager(t, p, 5*time.Second)

	require.NoError(t, sm.Shutdown(context.Background(), "test"))
	assert.Equal(t, types.StatusStopped, p.Broker().Status())
	assert.Contains(t, sm.String(), "complete")
}
