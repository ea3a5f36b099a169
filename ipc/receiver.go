package ipc

import (
	"io"
	"sync/atomic"
	"unicode/utf8"
)

// MessageCallback receives a complete AASB or configuration message.
type MessageCallback func(message string)

// FetchStreamCallback produces streams requested by a remote Fetch.
type FetchStreamCallback interface {
	// OnStreamRequested hands over the write end of the requested stream.
	// Close it when the stream is complete.
	OnStreamRequested(streamID string, writeTo io.WriteCloser)
	// OnStreamFetchCancelled reports that the requester no longer wants it.
	OnStreamFetchCancelled(streamID string)
}

// FetchStreamFuncs adapts a pair of functions to FetchStreamCallback.
// Either may be nil.
type FetchStreamFuncs struct {
	Requested func(streamID string, writeTo io.WriteCloser)
	Cancelled func(streamID string)
}

func (f FetchStreamFuncs) OnStreamRequested(streamID string, writeTo io.WriteCloser) {
	if f.Requested == nil {
		_ = writeTo.Close()
		return
	}
	f.Requested(streamID, writeTo)
}

func (f FetchStreamFuncs) OnStreamFetchCancelled(streamID string) {
	if f.Cancelled != nil {
		f.Cancelled(streamID)
	}
}

// PushStreamCallback consumes a stream offered by a remote Push.
type PushStreamCallback func(streamID string, readFrom io.ReadCloser)

// ReceiverBuilder assembles a Receiver.
type ReceiverBuilder struct {
	aasb          MessageCallback
	config        MessageCallback
	fetch         FetchStreamCallback
	push          PushStreamCallback
	streamWorkers int
	metrics       *Metrics
}

// NewReceiverBuilder starts a builder with no callbacks.
func NewReceiverBuilder() *ReceiverBuilder {
	return &ReceiverBuilder{streamWorkers: DefaultStreamWorkers}
}

func (b *ReceiverBuilder) WithAASBCallback(cb MessageCallback) *ReceiverBuilder {
	b.aasb = cb
	return b
}

func (b *ReceiverBuilder) WithConfigCallback(cb MessageCallback) *ReceiverBuilder {
	b.config = cb
	return b
}

func (b *ReceiverBuilder) WithFetchCallback(cb FetchStreamCallback) *ReceiverBuilder {
	b.fetch = cb
	return b
}

func (b *ReceiverBuilder) WithPushCallback(cb PushStreamCallback) *ReceiverBuilder {
	b.push = cb
	return b
}

// WithStreamWorkers bounds concurrent stream reads.
func (b *ReceiverBuilder) WithStreamWorkers(n int) *ReceiverBuilder {
	b.streamWorkers = n
	return b
}

func (b *ReceiverBuilder) WithMetrics(m *Metrics) *ReceiverBuilder {
	b.metrics = m
	return b
}

// Build starts the receiver's looper.
func (b *ReceiverBuilder) Build() *Receiver {
	return &Receiver{
		aasb:    b.aasb,
		config:  b.config,
		fetch:   b.fetch,
		push:    b.push,
		metrics: b.metrics,
		looper:  NewLooper(),
		workers: newWorkerPool(b.streamWorkers),
	}
}

// Receiver dispatches inbound envelopes to its callbacks. Every callback
// runs on the receiver's looper, one at a time in arrival order for embedded
// messages; streamed messages are delivered once fully read.
type Receiver struct {
	aasb    MessageCallback
	config  MessageCallback
	fetch   FetchStreamCallback
	push    PushStreamCallback
	metrics *Metrics

	looper   *Looper
	workers  *workerPool
	shutdown atomic.Bool
}

// Receive queues env for dispatch. It never blocks.
func (r *Receiver) Receive(env *Envelope) {
	if env == nil {
		log.Errorw("IPC: envelope received is nil")
		return
	}
	if !r.looper.Post(func() { r.dispatch(env) }) {
		log.Debugw("IPC: receiver is shut down, dropping envelope", "action", env.Action)
	}
}

// Shutdown stops dispatch. Queued and in-progress envelopes produce no
// further callbacks.
func (r *Receiver) Shutdown() {
	if !r.shutdown.CompareAndSwap(false, true) {
		return
	}
	r.workers.Shutdown()
	r.looper.Stop()
}

func (r *Receiver) dispatch(env *Envelope) {
	if r.shutdown.Load() {
		return
	}
	if err := env.Validate(); err != nil {
		log.Errorw("IPC: dropping malformed envelope", "action", env.Action, "error", err)
		r.metrics.malformedEnvelope()
		return
	}

	switch env.Action {
	case ActionFetch:
		r.handleFetch(env)
	case ActionCancelFetch:
		r.handleCancelFetch(env)
	case ActionPush:
		r.handlePush(env)
	case ActionConfig:
		if r.config == nil {
			log.Errorw("IPC: config message received but no config callback is set")
			return
		}
		r.handleMessage(env, r.config)
	default:
		if r.aasb == nil {
			log.Errorw("IPC: AASB message received but no AASB callback is set", "topic", env.Topic(), "action", env.ActionName())
			return
		}
		r.handleMessage(env, r.aasb)
	}
}

func (r *Receiver) handleMessage(env *Envelope, callback MessageCallback) {
	if env.Type == MessageTypeEmbedded {
		r.metrics.received(string(MessageTypeEmbedded))
		callback(env.Message)
		return
	}

	r.metrics.received(string(MessageTypeStreamed))
	readEnd, writeEnd := NewPipe()
	reply := &Envelope{
		TransferID: env.TransferID,
		ResourceID: env.ResourceID,
		WriteTo:    writeEnd,
	}
	if err := env.ReplyTo.Post(reply); err != nil {
		log.Errorw("IPC: failed to send write channel", "transferId", env.TransferID, "error", err)
		_ = readEnd.Close()
		return
	}

	replyTo := env.ReplyTo
	transferID, resourceID := env.TransferID, env.ResourceID
	submitted := r.workers.Submit(func() {
		r.readStream(transferID, resourceID, readEnd, replyTo, callback)
	})
	if !submitted {
		_ = readEnd.CloseWithError(&Error{Type: ErrorTypeClosed})
	}
}

// readStream reads a streamed message to EOF, acknowledges it, then hands
// it to the callback on the looper.
func (r *Receiver) readStream(transferID, resourceID string, readEnd *PipeReader, replyTo Messenger, callback MessageCallback) {
	log.Infow("IPC: starting read stream", "transferId", transferID, "resourceId", resourceID)
	data, err := io.ReadAll(readEnd)
	_ = readEnd.Close()

	ok := err == nil && utf8.Valid(data)
	if postErr := replyTo.Post(NewAck(transferID, resourceID, ok)); postErr != nil {
		log.Errorw("IPC: failed to send confirmation", "transferId", transferID, "error", postErr)
	}
	if err != nil {
		log.Errorw("IPC: failed to read from stream", "transferId", transferID, "error", err)
		return
	}
	if !ok {
		log.Errorw("IPC: streamed message is not valid UTF-8", "transferId", transferID, "bytes", len(data))
		return
	}
	log.Infow("IPC: received complete message", "transferId", transferID, "bytes", len(data))

	message := string(data)
	r.looper.Post(func() {
		if r.shutdown.Load() {
			return
		}
		callback(message)
	})
}

func (r *Receiver) handleFetch(env *Envelope) {
	if r.fetch == nil {
		log.Errorw("IPC: fetch request received but no fetch callback is set", "streamId", env.StreamID)
		return
	}
	r.metrics.received("fetch")

	readEnd, writeEnd := NewPipe()
	reply := &Envelope{
		StreamID:   env.StreamID,
		TransferID: env.TransferID,
		ReadFrom:   readEnd,
	}
	log.Debugw("IPC: responding to fetch request", "streamId", env.StreamID)
	if err := env.ReplyTo.Post(reply); err != nil {
		log.Errorw("IPC: failed to send read channel", "streamId", env.StreamID, "error", err)
		return
	}

	streamID := env.StreamID
	r.looper.Post(func() {
		if r.shutdown.Load() {
			_ = writeEnd.CloseWithError(&Error{Type: ErrorTypeClosed})
			return
		}
		r.fetch.OnStreamRequested(streamID, writeEnd)
	})
}

func (r *Receiver) handleCancelFetch(env *Envelope) {
	if r.fetch == nil {
		log.Errorw("IPC: cancel fetch received but no fetch callback is set", "streamId", env.StreamID)
		return
	}
	r.metrics.received("cancel_fetch")
	log.Debugw("IPC: stream fetch cancelled", "streamId", env.StreamID)
	r.fetch.OnStreamFetchCancelled(env.StreamID)
}

func (r *Receiver) handlePush(env *Envelope) {
	if r.push == nil {
		log.Errorw("IPC: push request received but no push callback is set", "streamId", env.StreamID)
		return
	}
	r.metrics.received("push")

	readEnd, writeEnd := NewPipe()
	reply := &Envelope{
		StreamID:   env.StreamID,
		TransferID: env.TransferID,
		WriteTo:    writeEnd,
	}
	log.Debugw("IPC: responding to push request", "streamId", env.StreamID)
	if err := env.ReplyTo.Post(reply); err != nil {
		log.Errorw("IPC: failed to send write channel", "streamId", env.StreamID, "error", err)
		return
	}

	streamID := env.StreamID
	r.looper.Post(func() {
		if r.shutdown.Load() {
			_ = readEnd.CloseWithError(&Error{Type: ErrorTypeClosed})
			return
		}
		r.push(streamID, readEnd)
	})
}
