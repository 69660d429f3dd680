package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTrySendThroughChannel(t *testing.T) {
	var testcases = map[string]struct {
		ctxCancelled bool
		message      struct{}
	}{
		`ctx_cancel`: {
			ctxCancelled: true,
			message:      struct{}{},
		},
		`no_ctx_cancel`: {
			ctxCancelled: false,
			message:      struct{}{},
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			var channel chan struct{}
			ctx := context.Background()

			var cancelFunc context.CancelFunc
			if tc.ctxCancelled {
				channel = make(chan struct{})
				ctx, cancelFunc = context.WithCancel(ctx)
				cancelFunc()
			} else {
				channel = make(chan struct{}, 1)
			}
			TrySendThroughChannel(ctx, tc.message, channel)
			if tc.ctxCancelled {
				close(channel)
				_, ok := <-channel
				require.False(t, ok)
			} else {
				element, ok := <-channel
				require.True(t, ok)
				require.NotNil(t, element)
			}
		})
	}
}

func TestMapKeepsIndexOrder(t *testing.T) {
	var running, peak atomic.Int32
	results, err := Map(context.Background(), 20, 3, func(_ context.Context, i int) (int, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return i * i, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 20)
	for i, v := range results {
		require.Equal(t, i*i, v)
	}
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMapReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	results, err := Map(context.Background(), 5, 2, func(ctx context.Context, i int) (string, error) {
		if i == 2 {
			return "", boom
		}
		return "ok", nil
	})
	require.ErrorIs(t, err, boom)
	require.Nil(t, results)
}
