package vhci

import "time"

// FetchedKind discriminates the result of a FetchWork call.
type FetchedKind uint8

const (
	// NoEvent means fetch_work timed out or hit a benign transient error
	// (EINTR/ETIMEDOUT/ENODATA) — the caller should simply loop.
	NoEvent FetchedKind = iota
	PortStatEvent
	URBEvent
	CancelEvent
)

// FetchedWork is the decoded result of one fetch_work call.
type FetchedWork struct {
	Kind FetchedKind

	// valid when Kind == PortStatEvent
	Index  uint8
	Status PortStatus

	// valid when Kind == URBEvent
	Header    Header
	NeedsData bool

	// valid when Kind == CancelEvent
	CancelHandle uint64
}

// Channel is the Kernel Channel: a thin wrapper over the character device
// and its five operations (§4.1). Implementations must swallow the
// transient errors named in §7 (EINTR/ETIMEDOUT/ENODATA/ECANCELED) rather
// than surfacing them to the caller.
type Channel interface {
	ControllerID() int32
	BusNumber() int32
	BusID() string

	// FetchWork blocks up to timeout waiting for the next kernel event.
	FetchWork(timeout time.Duration) (FetchedWork, error)

	// FetchData fills u.Buffer and u.ISOPackets for a URB whose header was
	// already fetched with NeedsData set. A canceled-mid-flight response
	// is reported via the bool return, not an error.
	FetchData(u *URB) (canceled bool, err error)

	// PortStat pushes a new root-hub status for port to the kernel.
	PortStat(port int, stat PortStatus) error

	// GiveBack completes urb with the kernel. A kernel report that the
	// URB was already canceled is treated as success.
	GiveBack(u *URB) error

	Close() error
}
