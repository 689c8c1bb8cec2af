package vhci

import "testing"

// recordingHooks tracks every CancelingWork/FinishingWork call so tests can
// assert on exactly which hooks ran for a given cancel disposition.
type recordingHooks struct {
	canceling []cancelCall
	finishing []Work
}

type cancelCall struct {
	w          Work
	inProgress bool
}

func (h *recordingHooks) CancelingWork(w Work, inProgress bool) {
	h.canceling = append(h.canceling, cancelCall{w, inProgress})
}

func (h *recordingHooks) FinishingWork(w Work) {
	h.finishing = append(h.finishing, w)
}

func newTestURBWork(t *testing.T, port int, handle uint64) *ProcessURBWork {
	u := &URB{Header: Header{Handle: handle, Type: URBTypeBulk}}
	w, err := NewProcessURBWork(port, u)
	if err != nil {
		t.Fatalf("NewProcessURBWork: %v", err)
	}
	return w
}

func TestWorkQueueNextWorkSkipsCanceled(t *testing.T) {
	hooks := &recordingHooks{}
	q := NewWorkQueue(hooks)

	w1 := newTestURBWork(t, 1, 1)
	w2 := newTestURBWork(t, 1, 2)
	q.Enqueue(w1)
	q.Enqueue(w2)

	// cancel w1 while it is still in the inbox
	if canceled := q.CancelProcessURB(1); canceled {
		t.Fatalf("CancelProcessURB(inbox item) = true; want false")
	}
	if len(hooks.canceling) != 1 || hooks.canceling[0].inProgress {
		t.Fatalf("inbox cancel hooks = %+v; want one CancelingWork(inProgress=false)", hooks.canceling)
	}
	if len(hooks.finishing) != 1 {
		t.Fatalf("inbox cancel finishing hooks = %+v; want one FinishingWork", hooks.finishing)
	}

	got, more := q.NextWork()
	if got != w2 {
		t.Fatalf("NextWork() = %v; want w2 (w1 should be lazily dropped)", got)
	}
	if more {
		t.Fatalf("NextWork() more = true; want false (queue now empty)")
	}
}

func TestWorkQueueCancelInProgress(t *testing.T) {
	hooks := &recordingHooks{}
	q := NewWorkQueue(hooks)

	w := newTestURBWork(t, 1, 42)
	q.Enqueue(w)

	got, _ := q.NextWork()
	if got != w {
		t.Fatalf("NextWork() = %v; want w", got)
	}

	canceled := q.CancelProcessURB(42)
	if !canceled {
		t.Fatalf("CancelProcessURB(in-progress) = false; want true")
	}
	if len(hooks.canceling) != 1 || !hooks.canceling[0].inProgress {
		t.Fatalf("in-progress cancel hooks = %+v; want one CancelingWork(inProgress=true)", hooks.canceling)
	}
	if len(hooks.finishing) != 0 {
		t.Fatalf("in-progress cancel must not call FinishingWork directly: got %+v", hooks.finishing)
	}

	// the client still finishes it normally afterwards
	q.FinishWork(w)
	if len(hooks.finishing) != 1 {
		t.Fatalf("FinishWork after cancel: finishing hooks = %+v; want one call", hooks.finishing)
	}
}

func TestWorkQueueCancelNotFound(t *testing.T) {
	hooks := &recordingHooks{}
	q := NewWorkQueue(hooks)

	if canceled := q.CancelProcessURB(999); canceled {
		t.Fatalf("CancelProcessURB(unknown handle) = true; want false")
	}
	if len(hooks.canceling) != 0 || len(hooks.finishing) != 0 {
		t.Fatalf("unknown handle must not call any hook: canceling=%+v finishing=%+v", hooks.canceling, hooks.finishing)
	}
}

func TestWorkQueueCallbacks(t *testing.T) {
	q := NewWorkQueue(&recordingHooks{})
	var fired int
	h := q.AddCallback(func() { fired++ })
	q.NotifyEnqueued()
	q.NotifyEnqueued()
	if fired != 2 {
		t.Fatalf("fired = %d; want 2", fired)
	}
	q.RemoveCallback(h)
	q.NotifyEnqueued()
	if fired != 2 {
		t.Fatalf("fired after RemoveCallback = %d; want 2 (unchanged)", fired)
	}
}

func TestNewBaseWorkRejectsPortZero(t *testing.T) {
	if _, err := NewPortStatWork(0, PortStatus{}, 0); err == nil {
		t.Error("NewPortStatWork(port=0): want error")
	}
	if _, err := NewCancelURBWork(0, 1); err == nil {
		t.Error("NewCancelURBWork(port=0): want error")
	}
}

func TestNewProcessURBWorkRejectsNilURB(t *testing.T) {
	if _, err := NewProcessURBWork(1, nil); err == nil {
		t.Error("NewProcessURBWork(nil urb): want error")
	}
}
