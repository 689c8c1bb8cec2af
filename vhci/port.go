package vhci

import "github.com/efficientgo/core/errors"

// portInfo is one port's bookkeeping: the last status snapshot delivered
// by the kernel and the USB address currently bound to it.
type portInfo struct {
	address uint8
	stat    PortStatus
}

// PortTable holds port_info[1..N]. It is not safe for concurrent use on
// its own — callers (the Controller Facade) serialize access with the
// same lock that guards the Work Queue and callback list.
type PortTable struct {
	ports []portInfo // index 0 == port 1
}

// NewPortTable allocates a table for count ports, each starting powered
// down with no address bound.
func NewPortTable(count int) *PortTable {
	ports := make([]portInfo, count)
	for i := range ports {
		ports[i].address = UnsetAddress
	}
	return &PortTable{ports: ports}
}

func (t *PortTable) Count() int { return len(t.ports) }

func (t *PortTable) checkPort(port int) error {
	if port == 0 {
		return errors.New("vhci: port 0 is reserved")
	}
	if port < 0 || port > len(t.ports) {
		return errors.Newf("vhci: port %d out of range [1,%d]", port, len(t.ports))
	}
	return nil
}

// Snapshot returns a copy of the port's current status.
func (t *PortTable) Snapshot(port int) (PortStatus, error) {
	if err := t.checkPort(port); err != nil {
		return PortStatus{}, err
	}
	return t.ports[port-1].stat, nil
}

// Update replaces the port's status snapshot with newStat and returns the
// triggers derived from the transition.
func (t *PortTable) Update(port int, newStat PortStatus) (Triggers, error) {
	if err := t.checkPort(port); err != nil {
		return 0, err
	}
	p := &t.ports[port-1]
	triggers := ComputeTriggers(p.stat, newStat)
	p.stat = newStat
	return triggers, nil
}

// OnConnectionChange invalidates the port's bound address on any
// connection state change (attach or detach).
func (t *PortTable) OnConnectionChange(port int) error {
	if err := t.checkPort(port); err != nil {
		return err
	}
	t.ports[port-1].address = UnsetAddress
	return nil
}

// OnResetCompleteEnabled sets the port's address to the default address
// (0) following a successful reset, per the USB device state machine.
func (t *PortTable) OnResetCompleteEnabled(port int) error {
	if err := t.checkPort(port); err != nil {
		return err
	}
	t.ports[port-1].address = 0
	return nil
}

// SetAddress binds a (7-bit) address to a port, as SET_ADDRESS interception
// does in the Work Pump.
func (t *PortTable) SetAddress(port int, address uint8) error {
	if err := t.checkPort(port); err != nil {
		return err
	}
	if address > 0x7f {
		return errors.Newf("vhci: address %#x out of range", address)
	}
	t.ports[port-1].address = address
	return nil
}

// AddressOf returns the address currently bound to port, or UnsetAddress.
func (t *PortTable) AddressOf(port int) (uint8, error) {
	if err := t.checkPort(port); err != nil {
		return 0, err
	}
	return t.ports[port-1].address, nil
}

// PortOf performs the reverse lookup: the port bound to address, or 0 if
// no port currently claims it. The scan is linear, matching the source
// this is grounded on — port counts are small (≤31) so this is never a
// hot path worth indexing.
func (t *PortTable) PortOf(address uint8) (int, error) {
	if address > 0x7f {
		return 0, errors.Newf("vhci: address %#x out of range", address)
	}
	for i, p := range t.ports {
		if p.address == address {
			return i + 1, nil
		}
	}
	return 0, nil
}
