package cache

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/imagenet-classifier/internal/classifier"
	"github.com/Brownie44l1/imagenet-classifier/internal/metrics"
)

func TestSetGet(t *testing.T) {
	c := New(1<<20, time.Minute)
	require.NotNil(t, c)

	preds := []classifier.Prediction{
		{Index: 1, ClassName: "goldfish", Probability: 0.7},
		{Index: 3, ClassName: "tiger shark", Probability: 0.15},
	}
	key := Key([]byte("jpeg-bytes"), 2)

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, preds)
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, preds, got)
	assert.Equal(t, int64(1), c.Len())
}

func TestKeyDependsOnK(t *testing.T) {
	img := []byte("same image")
	assert.NotEqual(t, Key(img, 1), Key(img, 2))
	assert.Equal(t, Key(img, 5), Key(img, 5))
	assert.NotEqual(t, Key([]byte("a"), 5), Key([]byte("b"), 5))
}

func TestDisabled(t *testing.T) {
	var c *Predictions = New(0, time.Minute)
	assert.Nil(t, c)

	key := Key([]byte("x"), 1)
	c.Set(key, []classifier.Prediction{{ClassName: "x"}})
	_, ok := c.Get(key)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestExpireSeconds(t *testing.T) {
	assert.Equal(t, 0, expireSeconds(0))
	assert.Equal(t, 0, expireSeconds(-time.Second))
	assert.Equal(t, 1, expireSeconds(time.Nanosecond))
	assert.Equal(t, 1, expireSeconds(500*time.Millisecond))
	assert.Equal(t, 1, expireSeconds(time.Second))
	assert.Equal(t, 2, expireSeconds(1500*time.Millisecond))
	assert.Equal(t, 600, expireSeconds(10*time.Minute))
}

func TestSubSecondTTLExpires(t *testing.T) {
	c := New(1<<20, 500*time.Millisecond)
	require.NotNil(t, c)

	key := Key([]byte("jpeg-bytes"), 1)
	c.Set(key, []classifier.Prediction{{Index: 1, ClassName: "goldfish", Probability: 0.9}})
	_, ok := c.Get(key)
	require.True(t, ok)

	time.Sleep(2100 * time.Millisecond)
	_, ok = c.Get(key)
	assert.False(t, ok, "entry with a 500ms ttl must not live forever")
}

func TestPublishMetricsReportsEntries(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	_, port, err := net.SplitHostPort(conn.LocalAddr().String())
	require.NoError(t, err)
	metrics.Init(metrics.Options{Host: "127.0.0.1", Port: port, SamplingRate: 1})

	c := New(1<<20, time.Minute)
	c.Set(Key([]byte("a"), 1), []classifier.Prediction{{ClassName: "tench"}})
	c.Set(Key([]byte("b"), 1), []classifier.Prediction{{ClassName: "goldfish"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.PublishMetrics(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	metrics.Close()

	var received strings.Builder
	buf := make([]byte, 64<<10)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for !strings.Contains(received.String(), metrics.CacheEntries+":2|g") {
		n, _, err := conn.ReadFrom(buf)
		require.NoError(t, err, "got %q", received.String())
		received.Write(buf[:n])
	}
	assert.Contains(t, received.String(), metrics.CacheHitRate)
}

func TestPublishMetricsDisabledCache(t *testing.T) {
	var c *Predictions
	done := make(chan struct{})
	go func() {
		c.PublishMetrics(context.Background(), time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishMetrics on a nil cache should return immediately")
	}
}
