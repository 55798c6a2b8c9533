package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-bpm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeEvent(w http.ResponseWriter, seq uint64, reason models.EventReason) {
	fmt.Fprintf(w, "id: %d\ndata: {\"type\":\"update\",\"seq\":%d,\"reason\":%q}\n\n", seq, seq, reason)
	w.(http.Flusher).Flush()
}

func TestRun_ReconnectsAsFreshSubscription(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stream", r.URL.Path)
		switch conns.Add(1) {
		case 1:
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "retry: 5000\n\n")
			writeEvent(w, 1, models.ReasonReading)
			fmt.Fprint(w, ": keepalive\n\n")
			fmt.Fprint(w, "data: not-json\n\n")
			writeEvent(w, 2, models.ReasonAlert)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Header().Set("Content-Type", "text/event-stream")
			writeEvent(w, 7, models.ReasonFailover)
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, RetryPolicy{Delay: 10 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []models.UpdateEvent
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(ev models.UpdateEvent) {
			mu.Lock()
			got = append(got, ev)
			n := len(got)
			mu.Unlock()
			if n == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream client did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{1, 2, 7}, []uint64{got[0].Seq, got[1].Seq, got[2].Seq})
	assert.Equal(t, models.ReasonFailover, got[2].Reason)
	assert.GreaterOrEqual(t, conns.Load(), int32(3))
}

func TestRun_MaxAttempts(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, RetryPolicy{Delay: time.Millisecond, MaxAttempts: 3}, zap.NewNop())
	err := client.Run(context.Background(), func(models.UpdateEvent) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	assert.Equal(t, int32(3), conns.Load())
}

func TestRead_MultiLineData(t *testing.T) {
	client := NewClient("http://unused", DefaultRetryPolicy(), zap.NewNop())
	stream := "data: {\"type\":\"update\",\n" +
		"data: \"seq\":4}\n" +
		"\n"

	var got []models.UpdateEvent
	n, err := client.read(strings.NewReader(stream), func(ev models.UpdateEvent) { got = append(got, ev) })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(4), got[0].Seq)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5*time.Second, p.Delay)
	assert.Zero(t, p.MaxAttempts)
}
