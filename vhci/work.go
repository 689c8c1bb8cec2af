package vhci

import "github.com/efficientgo/core/errors"

// Work is one pending or in-flight work item. The three concrete kinds
// (PortStatWork, ProcessURBWork, CancelURBWork) implement it; consumption
// sites switch on the concrete type rather than relying on any dynamic
// dispatch, per the tagged-variant design in the design notes.
type Work interface {
	Port() int
	Canceled() bool
	cancel()
}

type baseWork struct {
	port     int
	canceled bool
}

func newBaseWork(port int) (baseWork, error) {
	if port == 0 {
		return baseWork{}, errors.New("vhci: work item port must not be 0")
	}
	return baseWork{port: port}, nil
}

func (w *baseWork) Port() int      { return w.port }
func (w *baseWork) Canceled() bool { return w.canceled }
func (w *baseWork) cancel()        { w.canceled = true }

// PortStatWork reports a new port status snapshot plus the edge-triggered
// events derived from the previous one.
type PortStatWork struct {
	baseWork
	Stat     PortStatus
	Triggers Triggers
}

func NewPortStatWork(port int, stat PortStatus, triggers Triggers) (*PortStatWork, error) {
	base, err := newBaseWork(port)
	if err != nil {
		return nil, err
	}
	return &PortStatWork{baseWork: base, Stat: stat, Triggers: triggers}, nil
}

// ProcessURBWork owns a URB the client is expected to process and finish.
type ProcessURBWork struct {
	baseWork
	URB *URB
}

func NewProcessURBWork(port int, urb *URB) (*ProcessURBWork, error) {
	if urb == nil {
		return nil, errors.New("vhci: process urb work requires a urb")
	}
	base, err := newBaseWork(port)
	if err != nil {
		return nil, err
	}
	return &ProcessURBWork{baseWork: base, URB: urb}, nil
}

// CancelURBWork is an informational notice that an in-flight URB was
// canceled by the kernel; it carries only the handle.
type CancelURBWork struct {
	baseWork
	Handle uint64
}

func NewCancelURBWork(port int, handle uint64) (*CancelURBWork, error) {
	base, err := newBaseWork(port)
	if err != nil {
		return nil, err
	}
	return &CancelURBWork{baseWork: base, Handle: handle}, nil
}

// Hooks lets the Controller Facade plug controller-specific behavior into
// queue lifecycle events without the queue depending on the facade
// (composition in place of the virtual-dispatch hierarchy this is
// grounded on).
type Hooks interface {
	// CancelingWork runs when a ProcessURBWork is canceled, before it is
	// finished or left for the client. inProgress is true iff the item
	// had already been handed out via NextWork.
	CancelingWork(w Work, inProgress bool)
	// FinishingWork runs immediately before a work item leaves the queue
	// for good (via FinishWork, or the inbox branch of CancelProcessURB).
	FinishingWork(w Work)
}

// CallbackHandle identifies a registered work-enqueued subscriber. Go
// closures already carry whatever opaque state they need and are not
// comparable, so subscriptions are tracked by handle rather than by the
// (function pointer, opaque argument) pair this is grounded on.
type CallbackHandle uint64

// WorkQueue is a FIFO of pending work (inbox) plus the items currently
// checked out to the client (processing). It is NOT safe for concurrent
// use on its own: the Controller Facade serializes every call behind the
// same lock that guards the Port Table, by design (§5's coarse-grained
// lock) — WorkQueue methods assume the caller already holds it.
type WorkQueue struct {
	hooks      Hooks
	inbox      []Work
	processing []Work
	callbacks  map[CallbackHandle]func()
	nextHandle CallbackHandle
}

func NewWorkQueue(hooks Hooks) *WorkQueue {
	return &WorkQueue{
		hooks:     hooks,
		callbacks: make(map[CallbackHandle]func()),
	}
}

// Enqueue appends w to the inbox.
func (q *WorkQueue) Enqueue(w Work) {
	q.inbox = append(q.inbox, w)
}

// NotifyEnqueued fires every registered callback. Per §4.4 this happens
// while the caller still holds the shared lock; subscribers must not
// re-enter the queue or facade from inside their callback.
func (q *WorkQueue) NotifyEnqueued() {
	for _, cb := range q.callbacks {
		cb()
	}
}

// AddCallback registers cb to run on every NotifyEnqueued call and returns
// a handle for later removal.
func (q *WorkQueue) AddCallback(cb func()) CallbackHandle {
	q.nextHandle++
	h := q.nextHandle
	q.callbacks[h] = cb
	return h
}

// RemoveCallback unregisters a callback previously returned by AddCallback.
func (q *WorkQueue) RemoveCallback(h CallbackHandle) {
	delete(q.callbacks, h)
}

// NextWork pops from the head of the inbox, silently dropping any items
// already marked canceled (their hooks already ran when they were
// canceled; this is pure lazy deletion), and returns the first
// non-canceled item along with whether the inbox still has items behind
// it. If every remaining item was canceled, it returns (nil, false).
func (q *WorkQueue) NextWork() (Work, bool) {
	for len(q.inbox) > 0 {
		w := q.inbox[0]
		q.inbox = q.inbox[1:]
		if w.Canceled() {
			continue
		}
		q.processing = append(q.processing, w)
		return w, len(q.inbox) > 0
	}
	return nil, false
}

// FinishWork runs the finishing hook and removes w from processing.
// Finishing an item not currently in processing is undefined, per §7;
// this implementation is a silent no-op removal in that case.
func (q *WorkQueue) FinishWork(w Work) {
	q.hooks.FinishingWork(w)
	for i, p := range q.processing {
		if p == w {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			break
		}
	}
}

// CancelProcessURB implements the three-way inbox/processing/not-found
// dispatch of §4.4: canceling an inbox item runs both hooks and leaves it
// in place for NextWork to drop lazily, returning false ("not in flight");
// canceling a processing item only runs the canceling hook and leaves it
// for the client to finish normally, returning true ("was in flight").
func (q *WorkQueue) CancelProcessURB(handle uint64) bool {
	for _, w := range q.inbox {
		if pu, ok := w.(*ProcessURBWork); ok && pu.URB.Handle == handle {
			pu.cancel()
			q.hooks.CancelingWork(pu, false)
			q.hooks.FinishingWork(pu)
			return false
		}
	}
	for _, w := range q.processing {
		if pu, ok := w.(*ProcessURBWork); ok && pu.URB.Handle == handle {
			pu.cancel()
			q.hooks.CancelingWork(pu, true)
			return true
		}
	}
	return false
}
