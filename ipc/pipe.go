package ipc

import (
	"bytes"
	"io"
	"sync"
)

// pipeBuffer is the shared state of a pipe created by NewPipe.
type pipeBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer

	writeClosed bool
	writeErr    error
	readClosed  bool
	readErr     error
}

// PipeReader is the read end of a pipe.
type PipeReader struct {
	p *pipeBuffer
}

// PipeWriter is the write end of a pipe.
type PipeWriter struct {
	p *pipeBuffer
}

// NewPipe creates a unidirectional in-memory pipe whose writes never block:
// data is buffered until read. The reader sees io.EOF after the writer
// closes and all buffered data is consumed, or the writer's error if it
// closed with CloseWithError.
func NewPipe() (*PipeReader, *PipeWriter) {
	p := &pipeBuffer{}
	p.cond = sync.NewCond(&p.mu)
	return &PipeReader{p: p}, &PipeWriter{p: p}
}

// Read reads buffered data, blocking until data arrives or the writer closes.
func (r *PipeReader) Read(b []byte) (int, error) {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buf.Len() == 0 && !p.writeClosed && !p.readClosed {
		p.cond.Wait()
	}
	if p.readClosed {
		return 0, io.ErrClosedPipe
	}
	if p.buf.Len() > 0 {
		return p.buf.Read(b)
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return 0, io.EOF
}

// Close closes the read end; later writes fail with io.ErrClosedPipe.
func (r *PipeReader) Close() error {
	return r.CloseWithError(nil)
}

// CloseWithError closes the read end; later writes fail with err.
func (r *PipeReader) CloseWithError(err error) error {
	p := r.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readClosed {
		p.readClosed = true
		p.readErr = err
		p.buf.Reset()
		p.cond.Broadcast()
	}
	return nil
}

// Write buffers b. It fails once either end is closed.
func (w *PipeWriter) Write(b []byte) (int, error) {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readClosed {
		if p.readErr != nil {
			return 0, p.readErr
		}
		return 0, io.ErrClosedPipe
	}
	if p.writeClosed {
		return 0, io.ErrClosedPipe
	}
	n, err := p.buf.Write(b)
	p.cond.Broadcast()
	return n, err
}

// Close closes the write end; the reader sees io.EOF after draining.
func (w *PipeWriter) Close() error {
	return w.CloseWithError(nil)
}

// CloseWithError closes the write end; the reader sees err after draining.
func (w *PipeWriter) CloseWithError(err error) error {
	p := w.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writeClosed {
		p.writeClosed = true
		p.writeErr = err
		p.cond.Broadcast()
	}
	return nil
}
