package ipc

import (
	"context"
	"sync"
)

// Result is the delivery outcome for one destination. It resolves exactly
// once; later resolutions are ignored.
type Result struct {
	once sync.Once
	done chan struct{}
	ok   bool
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func resolvedResult(ok bool, err error) *Result {
	r := newResult()
	r.resolve(ok, err)
	return r
}

// resolve settles the result; it reports whether this call did the settling.
func (r *Result) resolve(ok bool, err error) bool {
	settled := false
	r.once.Do(func() {
		r.ok = ok
		r.err = err
		settled = true
		close(r.done)
	})
	return settled
}

// Done is closed once the result resolves.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// IsDone reports whether the result has resolved.
func (r *Result) IsDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the result resolves or ctx ends. A ctx error is
// returned as-is and leaves the result pending.
func (r *Result) Wait(ctx context.Context) (bool, error) {
	select {
	case <-r.done:
		return r.ok, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Get returns the resolved value; it is only meaningful once IsDone is true.
func (r *Result) Get() (bool, error) {
	if !r.IsDone() {
		return false, nil
	}
	return r.ok, r.err
}

// Delivery groups the per-destination results of one send.
type Delivery struct {
	dests   []Destination
	results []*Result
}

func newDelivery() *Delivery {
	return &Delivery{}
}

func (d *Delivery) add(dest Destination, r *Result) {
	d.dests = append(d.dests, dest)
	d.results = append(d.results, r)
}

// FailedDelivery resolves every destination to err; used when a message is
// rejected before any transport attempt.
func FailedDelivery(dests []Destination, err error) *Delivery {
	return failedDelivery(dests, err)
}

func failedDelivery(dests []Destination, err error) *Delivery {
	d := newDelivery()
	for _, dest := range dests {
		d.add(dest, resolvedResult(false, err))
	}
	if len(dests) == 0 {
		d.add(Destination{}, resolvedResult(false, err))
	}
	return d
}

// Destinations returns the destinations in send order.
func (d *Delivery) Destinations() []Destination {
	out := make([]Destination, len(d.dests))
	copy(out, d.dests)
	return out
}

// For returns the result for dest, or nil if dest was not part of the send.
// Senders collapse repeated destinations, so there is one result per dest.
func (d *Delivery) For(dest Destination) *Result {
	for i, candidate := range d.dests {
		if candidate == dest {
			return d.results[i]
		}
	}
	return nil
}

// Results returns the per-destination results in send order.
func (d *Delivery) Results() []*Result {
	out := make([]*Result, len(d.results))
	copy(out, d.results)
	return out
}

// IsDone reports whether every destination has resolved.
func (d *Delivery) IsDone() bool {
	for _, r := range d.results {
		if !r.IsDone() {
			return false
		}
	}
	return true
}

// Wait waits for every destination and reports true only if all succeeded.
// The first failure's error is returned.
func (d *Delivery) Wait(ctx context.Context) (bool, error) {
	allOK := true
	var firstErr error
	for _, r := range d.results {
		ok, err := r.Wait(ctx)
		if err != nil && ctx.Err() != nil {
			return false, err
		}
		if !ok {
			allOK = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return allOK, firstErr
}
