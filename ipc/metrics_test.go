package ipc

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TEST180: Collectors register once per component
func Test180_metrics_registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg, "sender")
	require.NoError(t, err)
	_, err = NewMetrics(reg, "receiver")
	require.NoError(t, err)

	_, err = NewMetrics(reg, "sender")
	assert.Error(t, err)
}

// TEST181: A nil Metrics records nothing and does not panic
func Test181_metrics_nil_safe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.sent(MessageTypeEmbedded)
		m.received("push")
		m.deliveryFailed()
		m.transferCompleted()
		m.transferFailed("ack")
		m.evicted()
		m.setInFlight(3)
		m.malformedEnvelope()
	})
}

// TEST182: Sender and receiver activity is counted
func Test182_metrics_counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	senderMetrics, err := NewMetrics(reg, "sender")
	require.NoError(t, err)
	receiverMetrics, err := NewMetrics(reg, "receiver")
	require.NoError(t, err)

	in := newInbox()
	receiver := NewReceiverBuilder().WithAASBCallback(in.callback).WithMetrics(receiverMetrics).Build()
	defer receiver.Shutdown()
	bus := NewBus()
	require.NoError(t, bus.Register(testDest, receiver))
	s := newTestSender(t, bus, WithMaxEmbeddedBytes(10), WithSenderMetrics(senderMetrics))

	ok, _ := waitResult(t, s.SendAnySize("tiny", "T", "A", testDest).For(testDest))
	require.True(t, ok)
	ok, _ = waitResult(t, s.SendAnySize(strings.Repeat("s", 64), "T", "A", testDest).For(testDest))
	require.True(t, ok)
	ok, _ = waitResult(t, s.SendAnySize("tiny", "T", "A", missingDest).For(missingDest))
	require.False(t, ok)
	in.next(t)
	in.next(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(senderMetrics.envelopesSent.WithLabelValues("embedded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(senderMetrics.envelopesSent.WithLabelValues("streamed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(senderMetrics.deliveryFailures))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(senderMetrics.transfersCompleted) == 1 &&
			testutil.ToFloat64(senderMetrics.inFlight) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(receiverMetrics.envelopesReceived.WithLabelValues("embedded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(receiverMetrics.envelopesReceived.WithLabelValues("streamed")))

	receiver.Receive(&Envelope{Action: "broken"})
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(receiverMetrics.malformed) == 1
	}, time.Second, 5*time.Millisecond)
}

// TEST183: Evictions count as evictions and as failed transfers
func Test183_metrics_eviction(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry(), "sender")
	require.NoError(t, err)

	s := newTestSender(t, &recordingTransport{}, WithMaxEmbeddedBytes(10), WithCacheCapacity(1), WithSenderMetrics(m))
	s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest)
	s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheEvictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfersFailed.WithLabelValues("evicted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
}
