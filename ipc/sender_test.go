package ipc

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDest    = NewDestination(DestinationService, "com.example.app", ".AASBReceiver")
	missingDest = NewDestination(DestinationService, "com.example.gone", ".AASBReceiver")
)

type delivered struct {
	dest Destination
	env  *Envelope
}

// recordingTransport accepts envelopes without acting on them, so tests can
// play the receiver's part by hand.
type recordingTransport struct {
	mu   sync.Mutex
	envs []delivered
}

func (rt *recordingTransport) Deliver(dest Destination, env *Envelope) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.envs = append(rt.envs, delivered{dest: dest, env: env})
	return nil
}

func (rt *recordingTransport) all() []delivered {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]delivered(nil), rt.envs...)
}

type inbox struct {
	ch chan string
}

func newInbox() *inbox {
	return &inbox{ch: make(chan string, 16)}
}

func (i *inbox) callback(message string) {
	i.ch <- message
}

func (i *inbox) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-i.ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func (i *inbox) empty(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case m := <-i.ch:
		t.Fatalf("unexpected message of %d bytes", len(m))
	case <-time.After(wait):
	}
}

func waitResult(t *testing.T, r *Result) (bool, error) {
	t.Helper()
	require.NotNil(t, r)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := r.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "result never resolved")
	return ok, err
}

func newTestSender(t *testing.T, transport Transport, opts ...SenderOption) *Sender {
	t.Helper()
	s, err := NewSender(transport, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// newLocalPair registers a receiver on a fresh bus and returns a sender on it.
func newLocalPair(t *testing.T, b *ReceiverBuilder, opts ...SenderOption) (*Sender, *Bus) {
	t.Helper()
	receiver := b.Build()
	t.Cleanup(receiver.Shutdown)

	bus := NewBus()
	require.NoError(t, bus.Register(testDest, receiver))
	return newTestSender(t, bus, opts...), bus
}

// TEST100: A 10,000 character message arrives intact over the inline path
func Test100_embedded_roundtrip_10000_chars(t *testing.T) {
	in := newInbox()
	s, _ := newLocalPair(t, NewReceiverBuilder().WithAASBCallback(in.callback))

	message := strings.Repeat("αb", 5000)
	require.Len(t, []rune(message), 10000)
	require.True(t, s.WillFitAsEmbedded(message))

	ok, err := waitResult(t, s.SendAnySize(message, "Navigation", "StartNavigation", testDest).For(testDest))
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, message, in.next(t))
}

// TEST101: A 10,000 character message arrives intact when forced onto the streamed path
func Test101_streamed_roundtrip_10000_chars(t *testing.T) {
	in := newInbox()
	s, _ := newLocalPair(t, NewReceiverBuilder().WithAASBCallback(in.callback), WithMaxEmbeddedBytes(1000))

	message := strings.Repeat("αb", 5000)
	require.False(t, s.WillFitAsEmbedded(message))

	ok, err := waitResult(t, s.SendAnySize(message, "Navigation", "StartNavigation", testDest).For(testDest))
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, message, in.next(t))
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

// TEST102: A 1,000,000 character message is streamed and reconstructed byte for byte
func Test102_streamed_roundtrip_1000000_chars(t *testing.T) {
	in := newInbox()
	s, _ := newLocalPair(t, NewReceiverBuilder().WithAASBCallback(in.callback))

	message := strings.Repeat("0123456789", 100_000)
	require.False(t, s.WillFitAsEmbedded(message))

	delivery := s.SendAnySize(message, "AudioOutput", "Prepare", testDest)
	ok, err := delivery.Wait(context.Background())
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, message, in.next(t))
}

// TEST103: An unreachable destination fails on its own; the reachable one still succeeds
func Test103_multi_destination_failure_isolation(t *testing.T) {
	for _, threshold := range []int{DefaultMaxEmbeddedBytes, 100} {
		in := newInbox()
		s, _ := newLocalPair(t, NewReceiverBuilder().WithAASBCallback(in.callback), WithMaxEmbeddedBytes(threshold))

		message := strings.Repeat("m", 1000)
		d := s.SendAnySize(message, "T", "A", testDest, missingDest)

		ok, err := waitResult(t, d.For(testDest))
		assert.True(t, ok, "threshold %d", threshold)
		assert.NoError(t, err)

		ok, err = waitResult(t, d.For(missingDest))
		assert.False(t, ok, "threshold %d", threshold)
		assert.True(t, IsErrorType(err, ErrorTypeDestinationUnreachable))

		all, _ := d.Wait(context.Background())
		assert.False(t, all)
		assert.Equal(t, message, in.next(t))
	}
}

// TEST104: A streamed result stays pending through the write and resolves only on ack
func Test104_streamed_pending_until_ack(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10))

	message := strings.Repeat("z", 64)
	res := s.SendAnySize(message, "T", "A", testDest).For(testDest)
	assert.False(t, res.IsDone())
	assert.Equal(t, 1, s.InFlight())

	envs := rt.all()
	require.Len(t, envs, 1)
	env := envs[0].env
	assert.Equal(t, MessageTypeStreamed, env.Type)
	assert.NotEmpty(t, env.TransferID)
	assert.Equal(t, "1", env.ResourceID)
	assert.Empty(t, env.Message)
	require.NotNil(t, env.ReplyTo)

	pr, pw := NewPipe()
	require.NoError(t, env.ReplyTo.Post(&Envelope{TransferID: env.TransferID, ResourceID: env.ResourceID, WriteTo: pw}))
	data, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, message, string(data))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, res.IsDone(), "must not resolve before the ack")

	require.NoError(t, env.ReplyTo.Post(NewAck(env.TransferID, env.ResourceID, true)))
	ok, err := waitResult(t, res)
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

// TEST105: Overflowing the cache fails the oldest transfer; its late replies are ignored
func Test105_cache_eviction_and_late_ack(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10), WithCacheCapacity(2))
	assert.Equal(t, 2, s.CacheCapacity())

	message := strings.Repeat("z", 64)
	r1 := s.SendAnySize(message, "T", "A", testDest).For(testDest)
	r2 := s.SendAnySize(message, "T", "A", testDest).For(testDest)
	r3 := s.SendAnySize(message, "T", "A", testDest).For(testDest)

	ok, err := waitResult(t, r1)
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeTransferEvicted))
	assert.False(t, r2.IsDone())
	assert.False(t, r3.IsDone())
	assert.Equal(t, 2, s.InFlight())

	first := rt.all()[0].env
	pr, pw := NewPipe()
	require.NoError(t, first.ReplyTo.Post(&Envelope{TransferID: first.TransferID, ResourceID: first.ResourceID, WriteTo: pw}))
	_, readErr := io.ReadAll(pr)
	assert.True(t, IsErrorType(readErr, ErrorTypeTransferCancelled), "late write channel is closed with an error")

	require.NoError(t, first.ReplyTo.Post(NewAck(first.TransferID, first.ResourceID, true)))
	time.Sleep(20 * time.Millisecond)

	ok, err = r1.Get()
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeTransferEvicted))
	assert.False(t, r2.IsDone())
	assert.Equal(t, 2, s.InFlight())
}

// TEST106: A failure ack resolves the result to failure
func Test106_failure_ack(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10))

	res := s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest).For(testDest)
	env := rt.all()[0].env
	require.NoError(t, env.ReplyTo.Post(NewAck(env.TransferID, env.ResourceID, false)))

	ok, err := waitResult(t, res)
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeAckFailure))
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

// TEST107: Cancel fails an in-flight transfer once
func Test107_cancel_transfer(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10))

	res := s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest).For(testDest)
	id := rt.all()[0].env.TransferID

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))

	ok, err := waitResult(t, res)
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeTransferCancelled))
	assert.Equal(t, 0, s.InFlight())
}

// TEST108: Unacknowledged transfers time out when a timeout is set
func Test108_transfer_timeout(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10), WithTransferTimeout(20*time.Millisecond))

	res := s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest).For(testDest)
	ok, err := waitResult(t, res)
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeTransferTimeout))
	assert.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

// TEST109: Fetch hands the requester the read end of the producer's stream
func Test109_fetch_roundtrip(t *testing.T) {
	producer := FetchStreamFuncs{
		Requested: func(streamID string, writeTo io.WriteCloser) {
			go func() {
				_, _ = io.WriteString(writeTo, "stream:"+streamID)
				_ = writeTo.Close()
			}()
		},
	}
	s, _ := newLocalPair(t, NewReceiverBuilder().WithFetchCallback(producer))

	got := make(chan string, 1)
	err := s.Fetch("s1", func(streamID string, readFrom io.ReadCloser) {
		go func() {
			data, _ := io.ReadAll(readFrom)
			got <- streamID + "|" + string(data)
		}()
	}, testDest)
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "s1|stream:s1", v)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never completed")
	}
}

// TEST110: Push hands the sender the write end of the consumer's stream
func Test110_push_roundtrip(t *testing.T) {
	got := make(chan string, 1)
	consumer := func(streamID string, readFrom io.ReadCloser) {
		go func() {
			data, _ := io.ReadAll(readFrom)
			got <- streamID + "|" + string(data)
		}()
	}
	s, _ := newLocalPair(t, NewReceiverBuilder().WithPushCallback(consumer))

	err := s.Push("p1", func(streamID string, writeTo io.WriteCloser) {
		go func() {
			_, _ = io.WriteString(writeTo, "pushed bytes")
			_ = writeTo.Close()
		}()
	}, testDest)
	require.NoError(t, err)

	select {
	case v := <-got:
		assert.Equal(t, "p1|pushed bytes", v)
	case <-time.After(5 * time.Second):
		t.Fatal("push never completed")
	}
}

// TEST111: CancelFetch reaches the producer
func Test111_cancel_fetch(t *testing.T) {
	cancelled := make(chan string, 1)
	producer := FetchStreamFuncs{Cancelled: func(streamID string) { cancelled <- streamID }}
	s, _ := newLocalPair(t, NewReceiverBuilder().WithFetchCallback(producer))

	require.NoError(t, s.CancelFetch("s9", testDest))
	select {
	case id := <-cancelled:
		assert.Equal(t, "s9", id)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel never arrived")
	}
}

// TEST112: SendEmbedded rejects oversized messages without touching the transport
func Test112_send_embedded_too_large(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10))

	ok, err := waitResult(t, s.SendEmbedded(strings.Repeat("z", 11), "T", "A", testDest).For(testDest))
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
	assert.Empty(t, rt.all())

	ok, err = waitResult(t, s.SendEmbedded(strings.Repeat("z", 10), "T", "A", testDest).For(testDest))
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Len(t, rt.all(), 1)
}

// TEST113: Config messages go to the config callback, on both paths
func Test113_config_messages(t *testing.T) {
	aasb, cfg := newInbox(), newInbox()
	s, _ := newLocalPair(t, NewReceiverBuilder().
		WithAASBCallback(aasb.callback).
		WithConfigCallback(cfg.callback), WithMaxEmbeddedBytes(100))

	ok, err := waitResult(t, s.SendConfigEmbedded(`{"small":true}`, testDest).For(testDest))
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, `{"small":true}`, cfg.next(t))

	large := `{"blob":"` + strings.Repeat("c", 500) + `"}`
	ok, err = waitResult(t, s.SendConfigAnySize(large, testDest).For(testDest))
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, large, cfg.next(t))

	aasb.empty(t, 20*time.Millisecond)
}

// TEST114: Bad arguments fail every destination without a transport attempt
func Test114_invalid_arguments(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt)

	ok, err := waitResult(t, s.SendAnySize("", "T", "A", testDest).For(testDest))
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))

	d := s.SendAnySize("m", "T", "A")
	ok, err = d.Wait(context.Background())
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))

	assert.Error(t, s.Fetch("", func(string, io.ReadCloser) {}, testDest))
	assert.Error(t, s.Fetch("s", nil, testDest))
	assert.Error(t, s.Push("s", nil, testDest))
	assert.Empty(t, rt.all())

	_, err = NewSender(nil)
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
	_, err = NewSender(rt, WithCacheCapacity(0))
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
}

// TEST115: Close fails in-flight transfers and rejects later sends
func Test115_close_sender(t *testing.T) {
	rt := &recordingTransport{}
	s, err := NewSender(rt, WithMaxEmbeddedBytes(10))
	require.NoError(t, err)

	res := s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest).For(testDest)
	s.Close()
	s.Close()

	ok, err := waitResult(t, res)
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeClosed))

	ok, err = waitResult(t, s.SendAnySize("m", "T", "A", testDest).For(testDest))
	assert.False(t, ok)
	assert.True(t, IsErrorType(err, ErrorTypeClosed))
	assert.True(t, IsErrorType(s.Fetch("s", func(string, io.ReadCloser) {}, testDest), ErrorTypeClosed))

	env := rt.all()[0].env
	assert.True(t, IsErrorType(env.ReplyTo.Post(NewAck(env.TransferID, env.ResourceID, true)), ErrorTypeClosed))
}

// TEST116: A write channel for an unknown transfer is closed with an error
func Test116_unknown_write_channel(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10))
	s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest)
	env := rt.all()[0].env

	pr, pw := NewPipe()
	require.NoError(t, env.ReplyTo.Post(&Envelope{TransferID: "bogus", ResourceID: "99", WriteTo: pw}))
	_, err := io.ReadAll(pr)
	assert.True(t, IsErrorType(err, ErrorTypeTransferCancelled))
	assert.Equal(t, 1, s.InFlight())
}

// TEST117: Acks carrying only the resource id still complete the transfer
func Test117_ack_by_resource_id(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10))

	res := s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest).For(testDest)
	env := rt.all()[0].env

	pr, pw := NewPipe()
	require.NoError(t, env.ReplyTo.Post(&Envelope{ResourceID: env.ResourceID, WriteTo: pw}))
	_, err := io.ReadAll(pr)
	require.NoError(t, err)
	require.NoError(t, env.ReplyTo.Post(&Envelope{ResourceID: env.ResourceID, State: AckSuccess}))

	ok, err := waitResult(t, res)
	assert.True(t, ok)
	assert.NoError(t, err)
}

// TEST118: Each destination of a streamed send gets its own transfer and resource id
func Test118_streamed_transfer_per_destination(t *testing.T) {
	rt := &recordingTransport{}
	s := newTestSender(t, rt, WithMaxEmbeddedBytes(10))
	other := NewDestination(DestinationReceiver, "com.example.other", ".Receiver")

	d := s.SendAnySize(strings.Repeat("z", 64), "T", "A", testDest, other)
	envs := rt.all()
	require.Len(t, envs, 2)
	assert.NotEqual(t, envs[0].env.TransferID, envs[1].env.TransferID)
	assert.NotEqual(t, envs[0].env.ResourceID, envs[1].env.ResourceID)
	assert.Equal(t, 2, s.InFlight())

	second := envs[1].env
	require.NoError(t, second.ReplyTo.Post(NewAck(second.TransferID, second.ResourceID, false)))
	ok, _ := waitResult(t, d.For(other))
	assert.False(t, ok)
	assert.False(t, d.For(testDest).IsDone())
}

// TEST119: A destination listed twice gets one delivery and one result
func Test119_repeated_destination_sent_once(t *testing.T) {
	in := newInbox()
	s, _ := newLocalPair(t, NewReceiverBuilder().WithAASBCallback(in.callback), WithMaxEmbeddedBytes(10))

	for _, message := range []string{"tiny", strings.Repeat("d", 64)} {
		d := s.SendAnySize(message, "T", "A", testDest, missingDest, testDest)
		assert.Equal(t, []Destination{testDest, missingDest}, d.Destinations())
		require.Len(t, d.Results(), 2)

		ok, err := waitResult(t, d.For(testDest))
		assert.True(t, ok)
		assert.NoError(t, err)
		assert.Equal(t, message, in.next(t))
		in.empty(t, 50*time.Millisecond)
	}
}
