package vhci

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// fetchWorkTimeout is the blocking timeout passed to the Kernel Channel on
// every Work Pump iteration.
const fetchWorkTimeout = 100 * time.Millisecond

// allocRetryBackoff is the 100ms allocation-retry backoff of the source
// this is grounded on. No code path in the Work Pump currently sleeps on
// it: allocateBuffers has no failure branch (see its doc comment).
const allocRetryBackoff = 100 * time.Millisecond

// Controller is the Controller Facade: the public surface on top of the
// Kernel Channel, Port Table, Work Queue and Work Pump. Port Table and
// Work Queue mutations are serialized behind mu, the single coarse lock
// §5 calls for; lifecycleMu guards pump spawn/join separately so Close
// cannot race a concurrent Close.
type Controller struct {
	channel      Channel
	controllerID int32
	busNumber    int32
	busID        string
	logger       log.Logger
	metrics      *Metrics

	mu    sync.Mutex
	ports *PortTable
	queue *WorkQueue

	lifecycleMu sync.Mutex
	shutdown    chan struct{}
	pumpDone    chan struct{}
	joined      bool
}

// NewController constructs the facade over an already-registered channel,
// allocates the port table and spawns the Work Pump. portCount must match
// the count the channel was registered with.
func NewController(channel Channel, portCount int, logger log.Logger, metrics *Metrics) (*Controller, error) {
	if channel == nil {
		return nil, errors.New("vhci: channel is required")
	}
	if portCount <= 0 {
		return nil, errors.New("vhci: port_count must be > 0")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	c := &Controller{
		channel:      channel,
		controllerID: channel.ControllerID(),
		busNumber:    channel.BusNumber(),
		busID:        channel.BusID(),
		logger:       logger,
		metrics:      metrics,
		ports:        NewPortTable(portCount),
		shutdown:     make(chan struct{}),
		pumpDone:     make(chan struct{}),
	}
	c.queue = NewWorkQueue(c)
	go c.pumpLoop()
	return c, nil
}

// Close signals the Work Pump to stop, joins it, and closes the
// underlying channel. Any work still in the queue is dropped; owned URBs
// and buffers are released by the garbage collector once dereferenced.
func (c *Controller) Close() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.joined {
		return nil
	}
	close(c.shutdown)
	<-c.pumpDone
	c.joined = true
	return c.channel.Close()
}

func (c *Controller) PortCount() int       { return c.ports.Count() }
func (c *Controller) BusID() string        { return c.busID }
func (c *Controller) BusNumber() int32     { return c.busNumber }
func (c *Controller) ControllerID() int32  { return c.controllerID }

// PortStat returns a snapshot of a port's current status.
func (c *Controller) PortStat(port int) (PortStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ports.Snapshot(port)
}

func (c *Controller) checkPortOp(port int) error {
	if port == 0 {
		return errors.New("vhci: port 0 is invalid")
	}
	if port > c.ports.Count() {
		return errors.Newf("vhci: port %d out of range [1,%d]", port, c.ports.Count())
	}
	return nil
}

// PortConnect simulates plugging a device into port at the given link
// speed.
func (c *Controller) PortConnect(port int, rate DataRate) error {
	if err := c.checkPortOp(port); err != nil {
		return err
	}
	status := PortStatConnection
	switch rate {
	case DataRateHigh:
		status |= PortStatHighSpeed
	case DataRateLow:
		status |= PortStatLowSpeed
	}
	return c.channel.PortStat(port, PortStatus{Status: status, Change: PortChangeConnection})
}

// PortDisconnect simulates unplugging the device from port.
func (c *Controller) PortDisconnect(port int) error {
	if err := c.checkPortOp(port); err != nil {
		return err
	}
	return c.channel.PortStat(port, PortStatus{Status: 0, Change: PortChangeConnection})
}

// PortDisable forces the port back to the disabled state.
func (c *Controller) PortDisable(port int) error {
	if err := c.checkPortOp(port); err != nil {
		return err
	}
	return c.channel.PortStat(port, PortStatus{Status: 0, Change: PortChangeEnable})
}

// PortResumed reports that the port finished resuming from suspend.
func (c *Controller) PortResumed(port int) error {
	if err := c.checkPortOp(port); err != nil {
		return err
	}
	return c.channel.PortStat(port, PortStatus{Status: 0, Change: PortChangeSuspend})
}

// PortOvercurrent sets or clears the port's overcurrent condition.
func (c *Controller) PortOvercurrent(port int, on bool) error {
	if err := c.checkPortOp(port); err != nil {
		return err
	}
	var status uint16
	if on {
		status = PortStatOvercurrent
	}
	return c.channel.PortStat(port, PortStatus{Status: status, Change: PortChangeOvercurrent})
}

// PortResetDone reports reset completion; enable is true in the common
// case where the device came up enabled.
func (c *Controller) PortResetDone(port int, enable bool) error {
	if err := c.checkPortOp(port); err != nil {
		return err
	}
	var status uint16
	if enable {
		status = PortStatEnable
	}
	change := PortChangeReset
	if !enable {
		change |= PortChangeEnable
	}
	return c.channel.PortStat(port, PortStatus{Status: status, Change: change})
}

// NextWork dequeues the next non-canceled work item for the client.
func (c *Controller) NextWork() (Work, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.NextWork()
}

// FinishWork marks a work item complete, invoking its finishing hook
// (giveback, for a ProcessURBWork).
func (c *Controller) FinishWork(w Work) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.FinishWork(w)
}

// CancelProcessURBWork cancels an in-flight or queued ProcessUrb by
// handle. See WorkQueue.CancelProcessURB for the three-way disposition.
func (c *Controller) CancelProcessURBWork(handle uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.CancelProcessURB(handle)
}

// AddWorkEnqueuedCallback registers cb to run whenever new work is
// enqueued.
func (c *Controller) AddWorkEnqueuedCallback(cb func()) CallbackHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.AddCallback(cb)
}

// RemoveWorkEnqueuedCallback unregisters a previously added callback.
func (c *Controller) RemoveWorkEnqueuedCallback(h CallbackHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.RemoveCallback(h)
}

// CancelingWork implements Hooks: a canceled in-flight ProcessURBWork gets
// a follow-up CancelURBWork pushed to the client; a canceled inbox item
// never reached the client, so it gets no follow-up. Caller holds mu.
func (c *Controller) CancelingWork(w Work, inProgress bool) {
	if !inProgress {
		return
	}
	pu, ok := w.(*ProcessURBWork)
	if !ok {
		return
	}
	cw, err := NewCancelURBWork(pu.Port(), pu.URB.Handle)
	if err != nil {
		return
	}
	c.queue.Enqueue(cw)
	c.queue.NotifyEnqueued()
}

// FinishingWork implements Hooks: a finished ProcessURBWork is given back
// to the kernel. Giveback failure is logged and swallowed — by the time a
// work item is being finished, the client is done with it either way.
// Caller holds mu.
func (c *Controller) FinishingWork(w Work) {
	pu, ok := w.(*ProcessURBWork)
	if !ok {
		return
	}
	if err := c.channel.GiveBack(pu.URB); err != nil {
		level.Debug(c.logger).Log("msg", "giveback failed", "handle", pu.URB.Handle, "err", err)
	}
}

// pumpLoop is the Work Pump's background worker: fetch, decode, mutate,
// enqueue, repeat, until Close signals shutdown.
func (c *Controller) pumpLoop() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		ev, err := c.channel.FetchWork(fetchWorkTimeout)
		if err != nil {
			level.Warn(c.logger).Log("msg", "fetch_work failed", "err", err)
			continue
		}

		switch ev.Kind {
		case NoEvent:
			continue
		case PortStatEvent:
			c.handlePortStat(ev)
		case URBEvent:
			c.handleProcessURB(ev)
		case CancelEvent:
			c.handleCancelURB(ev)
		}
	}
}

func (c *Controller) isShuttingDown() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

func (c *Controller) handlePortStat(ev FetchedWork) {
	port := int(ev.Index)
	if port == 0 || port > c.ports.Count() {
		level.Debug(c.logger).Log("msg", "port_stat event for unknown port", "port", ev.Index)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	triggers, err := c.ports.Update(port, ev.Status)
	if err != nil {
		return
	}
	if psw, err := NewPortStatWork(port, ev.Status, triggers); err == nil {
		c.queue.Enqueue(psw)
	}

	if ev.Status.ConnectionChanged() {
		c.ports.OnConnectionChange(port)
	}
	if ev.Status.ResetChanged() && !ev.Status.Reset() && ev.Status.Enable() {
		c.ports.OnResetCompleteEnabled(port)
	}

	c.queue.NotifyEnqueued()
	c.metrics.portEvents.Inc()
}

// allocateBuffers allocates a URB's buffer and iso-packet array outside
// any lock. Go's allocator reports true exhaustion as an unrecoverable
// runtime fatal rather than a catchable error the way the bad_alloc this
// is grounded on is, so there is no failure branch: the loop body returns
// on its first pass and ok is always true. It neither checks for shutdown
// nor sleeps on allocRetryBackoff.
func (c *Controller) allocateBuffers(h Header) (buf []byte, iso []ISOPacket, ok bool) {
	for {
		if h.BufferLength > 0 {
			buf = make([]byte, h.BufferLength)
		}
		if h.PacketCount > 0 {
			iso = make([]ISOPacket, h.PacketCount)
		}
		return buf, iso, true
	}
}

func (c *Controller) handleProcessURB(ev FetchedWork) {
	h := ev.Header
	buf, iso, ok := c.allocateBuffers(h)
	if !ok {
		return
	}
	h.Buffer = buf
	h.ISOPackets = iso

	u, err := AdoptURB(h)
	if err != nil {
		level.Warn(c.logger).Log("msg", "malformed urb header from kernel", "err", err)
		return
	}

	if ev.NeedsData {
		canceled, err := c.channel.FetchData(u)
		if err != nil {
			level.Warn(c.logger).Log("msg", "fetch_data failed", "handle", u.Handle, "err", err)
			return
		}
		if canceled {
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	port, err := c.ports.PortOf(u.DeviceAddress)
	if err != nil || port == 0 {
		return
	}

	if u.IsControl() && u.EndpointNumber() == 0 && u.BmRequestType == 0 && u.BRequest == StdRequestSetAddress {
		if u.WValue > 0x7f {
			u.Stall()
		} else {
			u.Ack()
			_ = c.ports.SetAddress(port, uint8(u.WValue))
		}
	}

	puw, err := NewProcessURBWork(port, u)
	if err != nil {
		return
	}
	// A failed enqueue would roll back the address change above before
	// retrying outside the lock; Go's append on the inbox slice cannot
	// fail short of the same unrecoverable OOM noted in allocateBuffers,
	// so there is no live rollback branch to exercise here.
	c.queue.Enqueue(puw)
	c.queue.NotifyEnqueued()
	c.metrics.urbsProcessed.Inc()
}

func (c *Controller) handleCancelURB(ev FetchedWork) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.CancelProcessURB(ev.CancelHandle)
}
