package retryrunner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	fakeclock "github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/config"
)

func TestRunSucceedsFirstTry(t *testing.T) {
	clk := fakeclock.NewFake()
	r := New(clk, nil, nil)
	var calls int32
	err := r.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, config.RetryConfig{}, nil, "op")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)
}

func TestRunRetriesRetryableThenSucceeds(t *testing.T) {
	clk := fakeclock.NewFake()
	r := New(clk, nil, nil)
	var calls int32

	retryable := func(err error) bool { return certerrors.Is(err, certerrors.RetryableCloudError) }

	cfg := config.RetryConfig{
		InitialInterval: config.ConfigDuration{Duration: time.Millisecond},
		MaxInterval:     config.ConfigDuration{Duration: time.Millisecond},
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), func(ctx context.Context) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				return certerrors.RetryableCloud(nil, "throttled")
			}
			return nil
		}, cfg, retryable, "op")
	}()

	// Advance the fake clock enough times to satisfy every sleep.
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		clk.Add(time.Second)
	}

	err := <-done
	require.NoError(t, err)
	require.EqualValues(t, 3, calls)
}

func TestRunPropagatesNonRetryableImmediately(t *testing.T) {
	clk := fakeclock.NewFake()
	r := New(clk, nil, nil)
	var calls int32

	retryable := func(err error) bool { return certerrors.Is(err, certerrors.RetryableCloudError) }
	wantErr := errors.New("permanent")

	err := r.Run(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return wantErr
	}, config.RetryConfig{}, retryable, "op")

	require.ErrorIs(t, err, wantErr)
	require.EqualValues(t, 1, calls)
}

func TestRunHonorsCancellation(t *testing.T) {
	clk := fakeclock.NewFake()
	r := New(clk, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	retryable := func(error) bool { return true }

	cfg := config.RetryConfig{
		InitialInterval: config.ConfigDuration{Duration: time.Hour},
		MaxInterval:     config.ConfigDuration{Duration: time.Hour},
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(ctx context.Context) error {
			return certerrors.RetryableCloud(nil, "throttled")
		}, cfg, retryable, "op")
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	err := <-done
	require.True(t, certerrors.Is(err, certerrors.Cancelled))
}
