package ipc

import (
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// FetchCallback receives the read end of a stream the destination agreed to
// produce. It runs on the sender's looper; read the stream elsewhere.
type FetchCallback func(streamID string, readFrom io.ReadCloser)

// PushCallback receives the write end of a stream the destination agreed to
// consume. It runs on the sender's looper; write the stream elsewhere and
// close it when done.
type PushCallback func(streamID string, writeTo io.WriteCloser)

type senderConfig struct {
	cacheCapacity   int
	maxEmbedded     int
	streamWorkers   int
	transferTimeout time.Duration
	metrics         *Metrics
}

// SenderOption configures a Sender.
type SenderOption func(*senderConfig)

// WithCacheCapacity bounds the number of in-flight streamed transfers.
func WithCacheCapacity(capacity int) SenderOption {
	return func(c *senderConfig) { c.cacheCapacity = capacity }
}

// WithMaxEmbeddedBytes sets the largest message sent inline.
func WithMaxEmbeddedBytes(n int) SenderOption {
	return func(c *senderConfig) { c.maxEmbedded = n }
}

// WithStreamWorkers bounds concurrent payload writes.
func WithStreamWorkers(n int) SenderOption {
	return func(c *senderConfig) { c.streamWorkers = n }
}

// WithTransferTimeout cancels streamed transfers not acknowledged in time.
// Zero disables the timeout; the cache bound still applies.
func WithTransferTimeout(d time.Duration) SenderOption {
	return func(c *senderConfig) { c.transferTimeout = d }
}

// WithSenderMetrics records sender activity.
func WithSenderMetrics(m *Metrics) SenderOption {
	return func(c *senderConfig) { c.metrics = m }
}

// looperMessenger is a Messenger whose posts are handled on a looper.
type looperMessenger struct {
	looper *Looper
	handle func(env *Envelope)
}

func (m *looperMessenger) Post(env *Envelope) error {
	if env == nil {
		return newError(ErrorTypeInvalidArgument, "nil envelope")
	}
	if !m.looper.Post(func() { m.handle(env) }) {
		return &Error{Type: ErrorTypeClosed}
	}
	return nil
}

// Sender delivers messages and stream requests to destinations.
//
// Messages that fit go inline. Larger ones are streamed: the destination is
// sent a handle, replies with a channel to write into, reads to EOF and
// acknowledges. The Delivery result of each destination resolves on that
// acknowledgement, or to failure when the transfer is cancelled, times out
// or is evicted from the bounded in-flight cache.
type Sender struct {
	transport Transport
	cfg       senderConfig
	looper    *Looper
	workers   *workerPool
	cache     *TransferCache

	sendMessenger  *looperMessenger
	fetchMessenger *looperMessenger
	pushMessenger  *looperMessenger

	nextResource atomic.Uint64

	mu             sync.Mutex
	resources      map[string]string // resourceId → transferId
	fetchCallbacks map[string]FetchCallback
	pushCallbacks  map[string]PushCallback
	closed         bool
}

// NewSender creates a Sender delivering through transport.
func NewSender(transport Transport, opts ...SenderOption) (*Sender, error) {
	if transport == nil {
		return nil, newError(ErrorTypeInvalidArgument, "transport is nil")
	}
	cfg := senderConfig{
		cacheCapacity: DefaultCacheCapacity,
		maxEmbedded:   DefaultMaxEmbeddedBytes,
		streamWorkers: DefaultStreamWorkers,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxEmbedded <= 0 {
		return nil, newError(ErrorTypeInvalidArgument, "max embedded bytes must be positive, got %d", cfg.maxEmbedded)
	}

	s := &Sender{
		transport:      transport,
		cfg:            cfg,
		looper:         NewLooper(),
		workers:        newWorkerPool(cfg.streamWorkers),
		resources:      make(map[string]string),
		fetchCallbacks: make(map[string]FetchCallback),
		pushCallbacks:  make(map[string]PushCallback),
	}
	cache, err := NewTransferCache(cfg.cacheCapacity, s.onEvict)
	if err != nil {
		s.looper.Stop()
		s.workers.Shutdown()
		return nil, err
	}
	s.cache = cache
	s.sendMessenger = &looperMessenger{looper: s.looper, handle: s.handleSendReply}
	s.fetchMessenger = &looperMessenger{looper: s.looper, handle: s.handleFetchReply}
	s.pushMessenger = &looperMessenger{looper: s.looper, handle: s.handlePushReply}
	return s, nil
}

// CacheCapacity returns the in-flight transfer bound.
func (s *Sender) CacheCapacity() int {
	return s.cache.Capacity()
}

// MaxEmbeddedBytes returns the inline size limit.
func (s *Sender) MaxEmbeddedBytes() int {
	return s.cfg.maxEmbedded
}

// InFlight returns the number of streamed transfers awaiting completion.
func (s *Sender) InFlight() int {
	return s.cache.Len()
}

// WillFitAsEmbedded reports whether message is within the configured inline
// limit. A transport with a smaller frame cap may still stream it.
func (s *Sender) WillFitAsEmbedded(message string) bool {
	return FitsEmbedded(message, s.cfg.maxEmbedded)
}

// SendEmbedded sends an AASB message inline regardless of the threshold
// policy. A message over the inline limit fails without a transport attempt.
func (s *Sender) SendEmbedded(message, topic, action string, dests ...Destination) *Delivery {
	if err := checkArgs(message, topic, action); err != nil {
		return failedDelivery(dests, err)
	}
	return s.send(message, AASBPrefix+action, AASBPrefix+topic, dests, false)
}

// SendAnySize sends an AASB message, streaming it to each destination it does
// not fit inline for. A destination listed twice is sent to once.
func (s *Sender) SendAnySize(message, topic, action string, dests ...Destination) *Delivery {
	if err := checkArgs(message, topic, action); err != nil {
		return failedDelivery(dests, err)
	}
	return s.send(message, AASBPrefix+action, AASBPrefix+topic, dests, true)
}

// SendConfigEmbedded sends a configuration message inline.
func (s *Sender) SendConfigEmbedded(message string, dest Destination) *Delivery {
	if err := checkArgs(message, CategoryService, ActionConfig); err != nil {
		return failedDelivery([]Destination{dest}, err)
	}
	return s.send(message, ActionConfig, CategoryService, []Destination{dest}, false)
}

// SendConfigAnySize sends a configuration message of any size.
func (s *Sender) SendConfigAnySize(message string, dest Destination) *Delivery {
	if err := checkArgs(message, CategoryService, ActionConfig); err != nil {
		return failedDelivery([]Destination{dest}, err)
	}
	return s.send(message, ActionConfig, CategoryService, []Destination{dest}, true)
}

func (s *Sender) send(message, action, category string, dests []Destination, allowStream bool) *Delivery {
	if len(dests) == 0 {
		return failedDelivery(nil, newError(ErrorTypeInvalidArgument, "no destinations"))
	}
	dests = uniqueDestinations(dests)
	if s.isClosed() {
		return failedDelivery(dests, &Error{Type: ErrorTypeClosed})
	}

	d := newDelivery()
	var payload []byte
	for _, dest := range dests {
		limit := s.inlineLimit(dest)
		if FitsEmbedded(message, limit) {
			env := &Envelope{
				Action:   action,
				Category: category,
				Type:     MessageTypeEmbedded,
				Message:  message,
			}
			d.add(dest, s.deliverEmbedded(env, dest))
			continue
		}
		if !allowStream {
			log.Errorw("IPC: message too long for embedded send", "destination", dest.String(), "bytes", len(message), "limit", limit)
			d.add(dest, resolvedResult(false, newError(ErrorTypeInvalidArgument, "message size %d exceeds embedded limit %d", len(message), limit)))
			continue
		}
		if payload == nil {
			payload = []byte(message)
		}
		d.add(dest, s.deliverStreamed(payload, action, category, dest))
	}
	return d
}

// inlineLimit is the configured embedded limit, lowered to what the
// transport can carry to dest in one envelope.
func (s *Sender) inlineLimit(dest Destination) int {
	limit := s.cfg.maxEmbedded
	if limiter, ok := s.transport.(InlineLimiter); ok {
		if n, capped := limiter.MaxInlineBytes(dest); capped && n < limit {
			limit = n
		}
	}
	return limit
}

// uniqueDestinations drops repeats, keeping first occurrences in order.
func uniqueDestinations(dests []Destination) []Destination {
	seen := make(map[Destination]struct{}, len(dests))
	out := make([]Destination, 0, len(dests))
	for _, dest := range dests {
		if _, dup := seen[dest]; dup {
			continue
		}
		seen[dest] = struct{}{}
		out = append(out, dest)
	}
	return out
}

func (s *Sender) deliverEmbedded(env *Envelope, dest Destination) *Result {
	if err := s.transport.Deliver(dest, env); err != nil {
		log.Warnw("IPC: embedded delivery failed", "destination", dest.String(), "error", err)
		s.cfg.metrics.deliveryFailed()
		return resolvedResult(false, err)
	}
	s.cfg.metrics.sent(MessageTypeEmbedded)
	return resolvedResult(true, nil)
}

// deliverStreamed starts a transfer of its own for dest, so its result
// resolves on that destination's acknowledgement.
func (s *Sender) deliverStreamed(payload []byte, action, category string, dest Destination) *Result {
	resourceID := strconv.FormatUint(s.nextResource.Add(1), 10)
	t := newTransfer(uuid.NewString(), resourceID, dest, payload)
	t.Topic = category
	t.Action = action

	s.track(t)
	if err := t.advance(TransferHandleSent); err != nil {
		// Evicted before the handle went out.
		return t.result
	}

	env := &Envelope{
		Action:     action,
		Category:   category,
		Type:       MessageTypeStreamed,
		TransferID: t.TransferID,
		ResourceID: t.ResourceID,
		ReplyTo:    s.sendMessenger,
	}
	if err := s.transport.Deliver(dest, env); err != nil {
		log.Warnw("IPC: streamed delivery failed", "destination", dest.String(), "transferId", t.TransferID, "error", err)
		s.cfg.metrics.deliveryFailed()
		s.fail(t, "unreachable", err)
		return t.result
	}
	s.cfg.metrics.sent(MessageTypeStreamed)
	log.Debugw("IPC: streamed handle sent", "destination", dest.String(), "transferId", t.TransferID, "resourceId", t.ResourceID, "bytes", len(payload))
	return t.result
}

func (s *Sender) track(t *Transfer) {
	s.mu.Lock()
	s.resources[t.ResourceID] = t.TransferID
	s.mu.Unlock()

	s.cache.Add(t)
	s.cfg.metrics.setInFlight(s.cache.Len())

	if s.cfg.transferTimeout > 0 {
		time.AfterFunc(s.cfg.transferTimeout, func() {
			if t.State().Terminal() {
				return
			}
			log.Warnw("IPC: transfer timed out", "transferId", t.TransferID, "timeout", s.cfg.transferTimeout)
			s.fail(t, "timeout", newError(ErrorTypeTransferTimeout, "transfer %s after %s", t.TransferID, s.cfg.transferTimeout))
		})
	}
}

// fail cancels t with cause and drops it from the cache.
func (s *Sender) fail(t *Transfer, reason string, cause error) {
	if t.cancel(cause) {
		s.cfg.metrics.transferFailed(reason)
	}
	s.cache.Remove(t.TransferID)
}

// onEvict runs whenever a transfer leaves the cache.
func (s *Sender) onEvict(t *Transfer, cancelled bool) {
	s.mu.Lock()
	if s.resources[t.ResourceID] == t.TransferID {
		delete(s.resources, t.ResourceID)
	}
	s.mu.Unlock()

	if cancelled {
		s.cfg.metrics.evicted()
		s.cfg.metrics.transferFailed("evicted")
	}
	s.cfg.metrics.setInFlight(s.cache.Len())
}

// Cancel aborts an in-flight transfer; its result resolves to failure and a
// later acknowledgement is ignored. Returns false for unknown transfers.
func (s *Sender) Cancel(transferID string) bool {
	t, ok := s.cache.Lookup(transferID)
	if !ok {
		return false
	}
	s.fail(t, "cancelled", newError(ErrorTypeTransferCancelled, "transfer %s", transferID))
	return true
}

// lookupTransfer resolves a reply to its transfer by transfer id, falling
// back to the resource id for acks that only carry the latter.
func (s *Sender) lookupTransfer(env *Envelope) (*Transfer, bool) {
	transferID := env.TransferID
	if transferID == "" && env.ResourceID != "" {
		s.mu.Lock()
		transferID = s.resources[env.ResourceID]
		s.mu.Unlock()
	}
	if transferID == "" {
		return nil, false
	}
	t, ok := s.cache.Lookup(transferID)
	if !ok {
		return nil, false
	}
	if env.ResourceID != "" && env.ResourceID != t.ResourceID {
		return nil, false
	}
	return t, true
}

// handleSendReply handles write-channel replies and acks on the looper.
func (s *Sender) handleSendReply(env *Envelope) {
	switch {
	case env.WriteTo != nil:
		s.handleWriteChannel(env)
	case env.IsAck():
		s.handleAck(env)
	default:
		log.Errorw("IPC: reply is neither write channel nor ack", "transferId", env.TransferID, "resourceId", env.ResourceID)
	}
}

func (s *Sender) handleWriteChannel(env *Envelope) {
	t, ok := s.lookupTransfer(env)
	if !ok {
		log.Warnw("IPC: write channel for unknown transfer", "transferId", env.TransferID, "resourceId", env.ResourceID)
		closeWithError(env.WriteTo, newError(ErrorTypeTransferCancelled, "unknown transfer %s", env.TransferID))
		return
	}
	if err := t.advance(TransferWriting); err != nil {
		log.Warnw("IPC: unexpected write channel", "transferId", t.TransferID, "error", err)
		closeWithError(env.WriteTo, err)
		return
	}

	writeTo := env.WriteTo
	t.attach(writeTo)
	log.Infow("IPC: received write channel", "transferId", t.TransferID, "resourceId", t.ResourceID)

	if !s.workers.Submit(func() { s.writePayload(t, writeTo) }) {
		s.fail(t, "shutdown", &Error{Type: ErrorTypeClosed})
	}
}

// writePayload streams the message into the receiver's channel. Closing the
// channel is what signals EOF to the reader.
func (s *Sender) writePayload(t *Transfer, writeTo io.WriteCloser) {
	if _, err := writeTo.Write(t.payload); err != nil {
		log.Errorw("IPC: failed to write to stream", "transferId", t.TransferID, "error", err)
		s.fail(t, "write", newError(ErrorTypeStream, "write transfer %s: %v", t.TransferID, err))
		return
	}
	if err := t.advance(TransferAckPending); err != nil {
		// Cancelled while writing; cancel already closed the channel.
		return
	}
	if err := writeTo.Close(); err != nil {
		log.Errorw("IPC: failed to close stream", "transferId", t.TransferID, "error", err)
		s.fail(t, "write", newError(ErrorTypeStream, "close transfer %s: %v", t.TransferID, err))
	}
}

func (s *Sender) handleAck(env *Envelope) {
	t, ok := s.lookupTransfer(env)
	if !ok {
		log.Debugw("IPC: ignoring ack for unknown transfer", "transferId", env.TransferID, "resourceId", env.ResourceID)
		return
	}
	if !env.AckOK() {
		log.Warnw("IPC: receiver reported failure", "transferId", t.TransferID, "state", env.State)
		s.fail(t, "ack", newError(ErrorTypeAckFailure, "transfer %s state %q", t.TransferID, env.State))
		return
	}
	if err := t.complete(); err != nil {
		log.Errorw("IPC: ack out of order", "transferId", t.TransferID, "error", err)
		s.fail(t, "protocol", err)
		return
	}
	log.Infow("IPC: received confirmation from receiver", "transferId", t.TransferID, "resourceId", t.ResourceID)
	s.cfg.metrics.transferCompleted()
	s.cache.Remove(t.TransferID)
}

// Fetch asks dest to produce stream streamID. When dest answers, callback
// receives the stream's read end.
func (s *Sender) Fetch(streamID string, callback FetchCallback, dest Destination) error {
	if streamID == "" {
		return newError(ErrorTypeInvalidArgument, "stream id is empty")
	}
	if callback == nil {
		return newError(ErrorTypeInvalidArgument, "fetch callback is nil")
	}
	if s.isClosed() {
		return &Error{Type: ErrorTypeClosed}
	}

	log.Debugw("IPC: fetching", "streamId", streamID, "destination", dest.String())
	s.mu.Lock()
	s.fetchCallbacks[streamID] = callback
	s.mu.Unlock()

	env := &Envelope{
		Action:     ActionFetch,
		Category:   CategoryService,
		StreamID:   streamID,
		TransferID: uuid.NewString(),
		ReplyTo:    s.fetchMessenger,
	}
	if err := s.transport.Deliver(dest, env); err != nil {
		s.mu.Lock()
		delete(s.fetchCallbacks, streamID)
		s.mu.Unlock()
		s.cfg.metrics.deliveryFailed()
		return err
	}
	return nil
}

// CancelFetch tells dest to stop producing streamID and forgets the callback.
func (s *Sender) CancelFetch(streamID string, dest Destination) error {
	if streamID == "" {
		return newError(ErrorTypeInvalidArgument, "stream id is empty")
	}
	if s.isClosed() {
		return &Error{Type: ErrorTypeClosed}
	}

	log.Debugw("IPC: cancel fetching", "streamId", streamID, "destination", dest.String())
	s.mu.Lock()
	delete(s.fetchCallbacks, streamID)
	s.mu.Unlock()

	env := &Envelope{
		Action:     ActionCancelFetch,
		Category:   CategoryService,
		StreamID:   streamID,
		TransferID: uuid.NewString(),
		ReplyTo:    s.fetchMessenger,
	}
	return s.transport.Deliver(dest, env)
}

// Push offers dest a stream streamID. When dest is ready, callback receives
// the write end.
func (s *Sender) Push(streamID string, callback PushCallback, dest Destination) error {
	if streamID == "" {
		return newError(ErrorTypeInvalidArgument, "stream id is empty")
	}
	if callback == nil {
		return newError(ErrorTypeInvalidArgument, "push callback is nil")
	}
	if s.isClosed() {
		return &Error{Type: ErrorTypeClosed}
	}

	log.Debugw("IPC: pushing", "streamId", streamID, "destination", dest.String())
	s.mu.Lock()
	s.pushCallbacks[streamID] = callback
	s.mu.Unlock()

	env := &Envelope{
		Action:     ActionPush,
		Category:   CategoryService,
		StreamID:   streamID,
		TransferID: uuid.NewString(),
		ReplyTo:    s.pushMessenger,
	}
	if err := s.transport.Deliver(dest, env); err != nil {
		s.mu.Lock()
		delete(s.pushCallbacks, streamID)
		s.mu.Unlock()
		s.cfg.metrics.deliveryFailed()
		return err
	}
	return nil
}

func (s *Sender) handleFetchReply(env *Envelope) {
	s.mu.Lock()
	callback := s.fetchCallbacks[env.StreamID]
	delete(s.fetchCallbacks, env.StreamID)
	s.mu.Unlock()

	if env.ReadFrom == nil {
		log.Errorw("IPC: fetch reply without read channel", "streamId", env.StreamID)
		return
	}
	if callback == nil {
		log.Errorw("IPC: no fetch callback for stream", "streamId", env.StreamID)
		_ = env.ReadFrom.Close()
		return
	}
	log.Infow("IPC: starting fetched read stream", "streamId", env.StreamID)
	callback(env.StreamID, env.ReadFrom)
}

func (s *Sender) handlePushReply(env *Envelope) {
	s.mu.Lock()
	callback := s.pushCallbacks[env.StreamID]
	delete(s.pushCallbacks, env.StreamID)
	s.mu.Unlock()

	if env.WriteTo == nil {
		log.Errorw("IPC: push reply without write channel", "streamId", env.StreamID)
		return
	}
	if callback == nil {
		log.Errorw("IPC: no push callback for stream", "streamId", env.StreamID)
		closeWithError(env.WriteTo, newError(ErrorTypeTransferCancelled, "no push callback for stream %s", env.StreamID))
		return
	}
	log.Infow("IPC: starting push write stream", "streamId", env.StreamID)
	callback(env.StreamID, env.WriteTo)
}

func (s *Sender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the sender. In-flight transfers resolve to failure and
// pending fetch/push callbacks are dropped.
func (s *Sender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.fetchCallbacks = make(map[string]FetchCallback)
	s.pushCallbacks = make(map[string]PushCallback)
	s.mu.Unlock()

	for _, t := range s.cache.Transfers() {
		s.fail(t, "closed", &Error{Type: ErrorTypeClosed})
	}
	s.cache.Purge()
	s.workers.Shutdown()
	s.looper.Stop()
}
