// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labrig/labrig/internal/metrics"
)

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func TestMemoryBus_Delivery(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), TopicModuleStatus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, b.Publish(context.Background(), TopicModuleStatus, "one"))
	require.NoError(t, b.Publish(context.Background(), TopicModuleStatus, "two"))

	assert.Equal(t, "one", <-sub.C())
	assert.Equal(t, "two", <-sub.C())
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := NewMemoryBus()
	devices, err := b.Subscribe(context.Background(), TopicDeviceEvents)
	require.NoError(t, err)
	t.Cleanup(func() { _ = devices.Close() })

	require.NoError(t, b.Publish(context.Background(), TopicSessionEvents, "session started"))

	select {
	case msg := <-devices.C():
		t.Fatalf("unexpected cross-topic delivery: %v", msg)
	default:
	}
}

func TestMemoryBus_DropMetrics(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "drops")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	initial := getCounterValue(t, metrics.BusDropped.WithLabelValues("drops", "full"))

	// Nothing reads sub, so the 64-slot buffer overflows.
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(context.Background(), "drops", i))
	}

	final := getCounterValue(t, metrics.BusDropped.WithLabelValues("drops", "full"))
	require.Greater(t, final, initial, "expected bus drop counter to increase")
}

func TestMemoryBus_CloseStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "t")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// Channel closed on unsubscribe.
	_, open := <-sub.C()
	assert.False(t, open)

	// Publishing to a topic without subscribers is fine.
	require.NoError(t, b.Publish(context.Background(), "t", "late"))
}

func TestMemoryBus_NilContextRejected(t *testing.T) {
	b := NewMemoryBus()
	//nolint:staticcheck // verifying the nil guard
	require.Error(t, b.Publish(nil, "t", "x"))
}
