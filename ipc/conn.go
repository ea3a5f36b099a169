package ipc

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// Envelope meta keys on the wire
const (
	metaDestType        = "dest_type"
	metaDestPackage     = "dest_package"
	metaDestClass       = "dest_class"
	metaTargetMessenger = "target_messenger"
	metaAction          = "action"
	metaCategory        = "category"
	metaType            = "type"
	metaTransferID      = "transfer_id"
	metaResourceID      = "resource_id"
	metaStreamID        = "stream_id"
	metaState           = "state"
	metaReplyTo         = "reply_to"
	metaWriteTo         = "write_to"
	metaReadFrom        = "read_from"
)

// ERR frame codes
const (
	ErrCodeUnreachable = "UNREACHABLE"
	ErrCodeMalformed   = "MALFORMED"
	ErrCodeProtocol    = "PROTOCOL"
)

// envelopeFrameOverhead is the headroom kept for envelope meta and framing
// when deciding whether a message fits in one ENVELOPE frame.
const envelopeFrameOverhead = 4096

// channelSource is the local producer of an outbound channel; the peer can
// stop it by ending the channel from its side.
type channelSource interface {
	abort(err error)
}

type channelSink struct {
	w    io.WriteCloser
	next uint64
}

type connConfig struct {
	limits Limits
}

// ConnOption configures a Conn.
type ConnOption func(*connConfig)

// WithLimits sets the limits advertised in the handshake.
func WithLimits(limits Limits) ConnOption {
	return func(c *connConfig) { c.limits = limits }
}

// Conn carries envelopes between two processes over one duplex byte stream.
//
// Handles inside envelopes are exported as ids: a ReplyTo messenger becomes
// a messenger id the peer posts back to, a WriteTo becomes a channel whose
// inbound CHUNK data is written to it, and a ReadFrom becomes a channel fed
// from it. The peer materializes proxies for each. Conn is a Transport;
// envelopes arriving without a target messenger go to the local Transport.
type Conn struct {
	stream io.ReadWriteCloser
	reader *FrameReader
	writer *FrameWriter
	local  Transport
	limits Limits

	writeMu sync.Mutex

	nextID    atomic.Uint64
	nextNonce atomic.Uint64

	mu           sync.Mutex
	messengers   map[uint64]Messenger
	messengerIDs map[Messenger]uint64
	proxies      map[uint64]*remoteMessenger
	sinks        map[uint64]*channelSink
	sources      map[uint64]channelSource
	closed       bool
	closeErr     error
	done         chan struct{}
}

// Initiate opens a connection, sending HELLO first. Initiators allocate odd
// handle ids.
func Initiate(stream io.ReadWriteCloser, local Transport, opts ...ConnOption) (*Conn, error) {
	return newConn(stream, local, true, opts)
}

// Accept answers a connection opened with Initiate. Acceptors allocate even
// handle ids.
func Accept(stream io.ReadWriteCloser, local Transport, opts ...ConnOption) (*Conn, error) {
	return newConn(stream, local, false, opts)
}

func newConn(stream io.ReadWriteCloser, local Transport, initiator bool, opts []ConnOption) (*Conn, error) {
	cfg := connConfig{limits: DefaultLimits()}
	for _, opt := range opts {
		opt(&cfg)
	}

	reader := NewFrameReader(stream)
	writer := NewFrameWriter(stream)

	var limits Limits
	var err error
	if initiator {
		limits, err = HandshakeInitiate(reader, writer, cfg.limits)
	} else {
		limits, err = HandshakeAccept(reader, writer, cfg.limits)
	}
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}
	reader.SetLimits(limits)
	writer.SetLimits(limits)

	c := &Conn{
		stream:       stream,
		reader:       reader,
		writer:       writer,
		local:        local,
		limits:       limits,
		messengers:   make(map[uint64]Messenger),
		messengerIDs: make(map[Messenger]uint64),
		proxies:      make(map[uint64]*remoteMessenger),
		sinks:        make(map[uint64]*channelSink),
		sources:      make(map[uint64]channelSource),
		done:         make(chan struct{}),
	}
	if initiator {
		c.nextID.Store(1)
	} else {
		c.nextID.Store(2)
	}

	log.Debugw("IPC: connection established", "initiator", initiator, "maxFrame", limits.MaxFrame, "maxChunk", limits.MaxChunk)
	go c.readLoop()
	return c, nil
}

// Limits returns the negotiated limits.
func (c *Conn) Limits() Limits {
	return c.limits
}

// MaxInlineBytes returns the largest message an envelope frame can carry
// under the negotiated limits. It is the same for every destination.
func (c *Conn) MaxInlineBytes(Destination) (int, bool) {
	n := c.limits.MaxFrame - envelopeFrameOverhead
	if n < 0 {
		n = 0
	}
	return n, true
}

// Done is closed when the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close ends the connection. Open channels fail on both sides.
func (c *Conn) Close() error {
	c.fail(&Error{Type: ErrorTypeClosed})
	return nil
}

func (c *Conn) allocID() uint64 {
	return c.nextID.Add(2) - 2
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	sinks := c.sinks
	sources := c.sources
	c.sinks = make(map[uint64]*channelSink)
	c.sources = make(map[uint64]channelSource)
	c.messengers = make(map[uint64]Messenger)
	c.messengerIDs = make(map[Messenger]uint64)
	c.proxies = make(map[uint64]*remoteMessenger)
	c.mu.Unlock()

	cause := newError(ErrorTypeStream, "connection closed: %v", err)
	for _, sink := range sinks {
		closeWithError(sink.w, cause)
	}
	for _, source := range sources {
		source.abort(cause)
	}
	_ = c.stream.Close()
	close(c.done)
}

func (c *Conn) writeFrame(frame *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return &Error{Type: ErrorTypeClosed}
	}
	if err := c.writer.WriteFrame(frame); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return newError(ErrorTypeInvalidArgument, "write frame: %v", err)
		}
		go c.fail(err)
		return newError(ErrorTypeStream, "write frame: %v", err)
	}
	return nil
}

// sendAsync writes from a goroutine so the read loop never waits on the
// peer's reader.
func (c *Conn) sendAsync(frame *Frame) {
	go func() {
		if err := c.writeFrame(frame); err != nil {
			log.Debugw("IPC: async frame write failed", "frameType", frame.FrameType.String(), "error", err)
		}
	}()
}

func (c *Conn) writeChannelData(id, chunkIndex uint64, data []byte) (uint64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return chunkIndex, &Error{Type: ErrorTypeClosed}
	}
	next, err := c.writer.WriteChannelData(id, chunkIndex, data)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return next, newError(ErrorTypeInvalidArgument, "write channel %d: %v", id, err)
		}
		go c.fail(err)
		return next, newError(ErrorTypeStream, "write channel %d: %v", id, err)
	}
	return next, nil
}

// Heartbeat sends a keepalive ping; the peer answers it.
func (c *Conn) Heartbeat() error {
	return c.writeFrame(NewHeartbeat(c.nextNonce.Add(1)))
}

// Deliver sends env to dest in the peer process. Only local failures are
// reported; if the peer cannot reach dest, a streamed envelope's sender gets
// a failure ack. An envelope too large for one frame fails on its own and
// leaves the connection open.
func (c *Conn) Deliver(dest Destination, env *Envelope) error {
	if env == nil {
		return newError(ErrorTypeInvalidArgument, "nil envelope")
	}
	meta := map[string]interface{}{
		metaDestType:    int(dest.Type),
		metaDestPackage: dest.Package,
		metaDestClass:   dest.Class,
	}
	return c.sendEnvelope(meta, env)
}

func (c *Conn) postRemote(messengerID uint64, env *Envelope) error {
	if env == nil {
		return newError(ErrorTypeInvalidArgument, "nil envelope")
	}
	meta := map[string]interface{}{
		metaTargetMessenger: messengerID,
	}
	return c.sendEnvelope(meta, env)
}

func (c *Conn) sendEnvelope(meta map[string]interface{}, env *Envelope) error {
	putString(meta, metaAction, env.Action)
	putString(meta, metaCategory, env.Category)
	putString(meta, metaType, string(env.Type))
	putString(meta, metaTransferID, env.TransferID)
	putString(meta, metaResourceID, env.ResourceID)
	putString(meta, metaStreamID, env.StreamID)
	putString(meta, metaState, env.State)

	var sinkID, sourceID uint64
	var pump *channelPump
	if env.ReplyTo != nil {
		id, err := c.exportMessenger(env.ReplyTo)
		if err != nil {
			return err
		}
		meta[metaReplyTo] = id
	}
	if env.WriteTo != nil {
		sinkID = c.allocID()
		if err := c.addSink(sinkID, env.WriteTo); err != nil {
			return err
		}
		meta[metaWriteTo] = sinkID
	}
	if env.ReadFrom != nil {
		sourceID = c.allocID()
		pump = &channelPump{conn: c, id: sourceID, r: env.ReadFrom}
		if err := c.addSource(sourceID, pump); err != nil {
			c.removeSink(sinkID)
			return err
		}
		meta[metaReadFrom] = sourceID
	}

	frame := NewEnvelopeFrame(meta)
	if env.Message != "" {
		frame.Payload = []byte(env.Message)
	}
	if err := c.writeFrame(frame); err != nil {
		c.removeSink(sinkID)
		c.removeSource(sourceID)
		return err
	}
	if pump != nil {
		go pump.run()
	}
	return nil
}

func putString(meta map[string]interface{}, key, value string) {
	if value != "" {
		meta[key] = value
	}
}

func stringFromMeta(meta map[string]interface{}, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

// exportMessenger assigns m an id the peer can post to. Comparable
// messengers keep one id for the life of the connection.
func (c *Conn) exportMessenger(m Messenger) (uint64, error) {
	comparable := reflect.TypeOf(m).Comparable()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, &Error{Type: ErrorTypeClosed}
	}
	if comparable {
		if id, ok := c.messengerIDs[m]; ok {
			return id, nil
		}
	}
	id := c.allocID()
	c.messengers[id] = m
	if comparable {
		c.messengerIDs[m] = id
	}
	return id, nil
}

func (c *Conn) addSink(id uint64, w io.WriteCloser) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &Error{Type: ErrorTypeClosed}
	}
	c.sinks[id] = &channelSink{w: w}
	return nil
}

func (c *Conn) removeSink(id uint64) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	delete(c.sinks, id)
	c.mu.Unlock()
}

func (c *Conn) addSource(id uint64, source channelSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &Error{Type: ErrorTypeClosed}
	}
	c.sources[id] = source
	return nil
}

func (c *Conn) removeSource(id uint64) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	delete(c.sources, id)
	c.mu.Unlock()
}

// endChannel closes a channel from this side, telling the peer why.
func (c *Conn) endChannel(id uint64, chunkCount uint64, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.sendAsync(NewChannelEnd(id, chunkCount, msg))
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			if err == io.EOF {
				c.fail(&Error{Type: ErrorTypeClosed})
			} else {
				log.Warnw("IPC: connection read failed", "error", err)
				c.fail(newError(ErrorTypeProtocol, "read frame: %v", err))
			}
			return
		}
		if err := c.handleFrame(frame); err != nil {
			log.Errorw("IPC: protocol error, closing connection", "error", err)
			c.sendAsync(NewErr(ErrCodeProtocol, err.Error()))
			c.fail(err)
			return
		}
	}
}

func (c *Conn) handleFrame(frame *Frame) error {
	switch frame.FrameType {
	case FrameTypeEnvelope:
		c.handleEnvelope(frame)
	case FrameTypeChunk:
		c.handleChunk(frame)
	case FrameTypeChannelEnd:
		c.handleChannelEnd(frame)
	case FrameTypeErr:
		log.Warnw("IPC: peer reported error", "code", frame.ErrorCode(), "message", frame.ErrorMessage())
	case FrameTypeHeartbeat:
		if frame.Seq == 0 {
			pong := NewHeartbeat(frame.Id)
			pong.Seq = 1
			c.sendAsync(pong)
		}
	case FrameTypeHello:
		return newError(ErrorTypeProtocol, "unexpected HELLO after handshake")
	default:
		return newError(ErrorTypeProtocol, "unexpected frame type %s", frame.FrameType)
	}
	return nil
}

// decodeEnvelope rebuilds an envelope, materializing proxies for handles.
func (c *Conn) decodeEnvelope(frame *Frame) (*Envelope, error) {
	meta := frame.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	env := &Envelope{
		Action:     stringFromMeta(meta, metaAction),
		Category:   stringFromMeta(meta, metaCategory),
		Type:       MessageType(stringFromMeta(meta, metaType)),
		Message:    string(frame.Payload),
		TransferID: stringFromMeta(meta, metaTransferID),
		ResourceID: stringFromMeta(meta, metaResourceID),
		StreamID:   stringFromMeta(meta, metaStreamID),
		State:      stringFromMeta(meta, metaState),
	}
	if !utf8.Valid(frame.Payload) {
		return nil, newError(ErrorTypeEncoding, "envelope message is not valid UTF-8")
	}

	if id, ok := extractUintFromMeta(meta, metaReplyTo); ok {
		env.ReplyTo = c.proxy(id)
	}
	if id, ok := extractUintFromMeta(meta, metaWriteTo); ok {
		w := &remoteWriter{conn: c, id: id}
		if err := c.addSource(id, w); err != nil {
			return nil, err
		}
		env.WriteTo = w
	}
	if id, ok := extractUintFromMeta(meta, metaReadFrom); ok {
		pr, pw := NewPipe()
		if err := c.addSink(id, pw); err != nil {
			return nil, err
		}
		env.ReadFrom = pr
	}
	return env, nil
}

func (c *Conn) handleEnvelope(frame *Frame) {
	env, err := c.decodeEnvelope(frame)
	if err != nil {
		log.Errorw("IPC: dropping undecodable envelope", "error", err)
		c.sendAsync(NewErr(ErrCodeMalformed, err.Error()))
		return
	}

	if target, ok := extractUintFromMeta(frame.Meta, metaTargetMessenger); ok {
		c.mu.Lock()
		m := c.messengers[target]
		c.mu.Unlock()
		if m == nil {
			log.Warnw("IPC: envelope for unknown messenger", "messenger", target)
			c.releaseHandles(env, newError(ErrorTypeDestinationUnreachable, "messenger %d", target))
			return
		}
		if err := m.Post(env); err != nil {
			log.Warnw("IPC: messenger rejected envelope", "messenger", target, "error", err)
			c.releaseHandles(env, err)
		}
		return
	}

	dest := Destination{
		Type:    DestinationType(extractIntFromMeta(frame.Meta, metaDestType)),
		Package: stringFromMeta(frame.Meta, metaDestPackage),
		Class:   stringFromMeta(frame.Meta, metaDestClass),
	}
	if c.local == nil {
		err = newError(ErrorTypeDestinationUnreachable, "no local transport for %s", dest)
	} else {
		err = c.local.Deliver(dest, env)
	}
	if err != nil {
		log.Warnw("IPC: inbound delivery failed", "destination", dest.String(), "error", err)
		c.releaseHandles(env, err)
		if env.Type == MessageTypeStreamed && env.ReplyTo != nil {
			ack := NewAck(env.TransferID, env.ResourceID, false)
			replyTo := env.ReplyTo
			go func() {
				if err := replyTo.Post(ack); err != nil {
					log.Debugw("IPC: failure ack not sent", "transferId", ack.TransferID, "error", err)
				}
			}()
			return
		}
		c.sendAsync(NewErr(ErrCodeUnreachable, err.Error()))
	}
}

// releaseHandles fails the channels of an envelope nobody accepted.
func (c *Conn) releaseHandles(env *Envelope, cause error) {
	if env.WriteTo != nil {
		closeWithError(env.WriteTo, cause)
	}
	if env.ReadFrom != nil {
		closeWithError(env.ReadFrom, cause)
	}
}

func (c *Conn) handleChunk(frame *Frame) {
	c.mu.Lock()
	sink := c.sinks[frame.Id]
	c.mu.Unlock()
	if sink == nil {
		log.Debugw("IPC: chunk for unknown channel", "channel", frame.Id)
		return
	}

	var err error
	switch {
	case frame.ChunkIndex == nil || *frame.ChunkIndex != sink.next:
		err = newError(ErrorTypeStream, "channel %d: chunk out of order, expected %d", frame.Id, sink.next)
	default:
		if verr := VerifyChunkChecksum(frame); verr != nil {
			err = newError(ErrorTypeStream, "channel %d: %v", frame.Id, verr)
		}
	}
	if err == nil {
		if _, werr := sink.w.Write(frame.Payload); werr != nil {
			err = newError(ErrorTypeStream, "channel %d: %v", frame.Id, werr)
		}
	}
	if err != nil {
		log.Warnw("IPC: failing channel", "channel", frame.Id, "error", err)
		c.removeSink(frame.Id)
		closeWithError(sink.w, err)
		c.endChannel(frame.Id, sink.next, err)
		return
	}
	sink.next++
}

func (c *Conn) handleChannelEnd(frame *Frame) {
	c.mu.Lock()
	sink := c.sinks[frame.Id]
	source := c.sources[frame.Id]
	delete(c.sinks, frame.Id)
	delete(c.sources, frame.Id)
	c.mu.Unlock()

	switch {
	case sink != nil:
		var err error
		if msg := frame.ChannelError(); msg != "" {
			err = newError(ErrorTypeStream, "%s", msg)
		} else if frame.ChunkCount == nil || *frame.ChunkCount != sink.next {
			err = newError(ErrorTypeStream, "channel %d: received %d chunks, peer sent %v", frame.Id, sink.next, frame.ChunkCount)
		}
		if err != nil {
			closeWithError(sink.w, err)
			return
		}
		if cerr := sink.w.Close(); cerr != nil {
			log.Warnw("IPC: closing channel sink failed", "channel", frame.Id, "error", cerr)
		}
	case source != nil:
		msg := frame.ChannelError()
		if msg == "" {
			msg = "closed by peer"
		}
		source.abort(newError(ErrorTypeStream, "channel %d: %s", frame.Id, msg))
	default:
		log.Debugw("IPC: end of unknown channel", "channel", frame.Id)
	}
}

// proxy returns the one remoteMessenger for a peer messenger id, so relaying
// its envelopes onward exports it only once.
func (c *Conn) proxy(id uint64) *remoteMessenger {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.proxies[id]
	if m == nil {
		m = &remoteMessenger{conn: c, id: id}
		if !c.closed {
			c.proxies[id] = m
		}
	}
	return m
}

// remoteMessenger posts to a messenger exported by the peer.
type remoteMessenger struct {
	conn *Conn
	id   uint64
}

func (m *remoteMessenger) Post(env *Envelope) error {
	return m.conn.postRemote(m.id, env)
}

// remoteWriter writes into a channel whose sink lives in the peer.
type remoteWriter struct {
	conn *Conn
	id   uint64

	mu      sync.Mutex
	next    uint64
	closed  bool
	aborted error
}

func (w *remoteWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted != nil {
		return 0, w.aborted
	}
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	next, err := w.conn.writeChannelData(w.id, w.next, p)
	w.next = next
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *remoteWriter) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError ends the channel; a non-nil err reaches the peer's reader.
func (w *remoteWriter) CloseWithError(err error) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	aborted := w.aborted
	count := w.next
	w.mu.Unlock()

	w.conn.removeSource(w.id)
	if aborted != nil {
		return nil
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return w.conn.writeFrame(NewChannelEnd(w.id, count, msg))
}

func (w *remoteWriter) abort(err error) {
	w.mu.Lock()
	if w.aborted == nil {
		w.aborted = err
	}
	w.mu.Unlock()
}

// channelPump feeds a local reader into a channel whose sink lives in the peer.
type channelPump struct {
	conn *Conn
	id   uint64
	r    io.ReadCloser

	aborted atomic.Bool
}

func (p *channelPump) run() {
	buf := make([]byte, p.conn.limits.MaxChunk)
	var next uint64
	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			var werr error
			next, werr = p.conn.writeChannelData(p.id, next, buf[:n])
			if werr != nil {
				closeWithError(p.r, werr)
				return
			}
		}
		if p.aborted.Load() {
			return
		}
		if err == io.EOF {
			p.conn.removeSource(p.id)
			_ = p.r.Close()
			if werr := p.conn.writeFrame(NewChannelEnd(p.id, next, "")); werr != nil {
				log.Debugw("IPC: channel end not sent", "channel", p.id, "error", werr)
			}
			return
		}
		if err != nil {
			p.conn.removeSource(p.id)
			closeWithError(p.r, err)
			if werr := p.conn.writeFrame(NewChannelEnd(p.id, next, err.Error())); werr != nil {
				log.Debugw("IPC: channel end not sent", "channel", p.id, "error", werr)
			}
			return
		}
	}
}

func (p *channelPump) abort(err error) {
	if p.aborted.Swap(true) {
		return
	}
	closeWithError(p.r, err)
}
