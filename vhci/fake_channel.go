package vhci

import "time"

// FakeChannel is an in-memory Channel used by tests in place of a real
// kernel device, the way driver/sysfs_test.go in this repo's ancestry
// mocks a filesystem instead of real sysfs.
type FakeChannel struct {
	ID     int32
	Num    int32
	Bus    string
	Events []FetchedWork

	DataByHandle map[uint64]dataFixture
	Closed       bool
	GivenBack    []*URB
	PortStats    []portStatCall
}

type dataFixture struct {
	Buffer     []byte
	ISOPackets []ISOPacket
	Canceled   bool
}

type portStatCall struct {
	Port int
	Stat PortStatus
}

func NewFakeChannel() *FakeChannel {
	return &FakeChannel{
		ID:           1,
		Num:          1,
		Bus:          "vhci_hcd.0",
		DataByHandle: make(map[uint64]dataFixture),
	}
}

func (f *FakeChannel) ControllerID() int32 { return f.ID }
func (f *FakeChannel) BusNumber() int32    { return f.Num }
func (f *FakeChannel) BusID() string       { return f.Bus }

// FetchWork pops the next scripted event, or reports NoEvent once the
// script is exhausted — mirroring a real channel timing out forever once
// the kernel has nothing left to say.
func (f *FakeChannel) FetchWork(timeout time.Duration) (FetchedWork, error) {
	if len(f.Events) == 0 {
		return FetchedWork{Kind: NoEvent}, nil
	}
	ev := f.Events[0]
	f.Events = f.Events[1:]
	return ev, nil
}

func (f *FakeChannel) FetchData(u *URB) (bool, error) {
	fx, ok := f.DataByHandle[u.Handle]
	if !ok {
		return false, nil
	}
	if fx.Canceled {
		return true, nil
	}
	u.Buffer = fx.Buffer
	u.ISOPackets = fx.ISOPackets
	return false, nil
}

func (f *FakeChannel) PortStat(port int, stat PortStatus) error {
	f.PortStats = append(f.PortStats, portStatCall{Port: port, Stat: stat})
	return nil
}

func (f *FakeChannel) GiveBack(u *URB) error {
	f.GivenBack = append(f.GivenBack, u)
	return nil
}

func (f *FakeChannel) Close() error {
	f.Closed = true
	return nil
}
