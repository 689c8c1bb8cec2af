//go:build linux

package vhci

import (
	"time"
	"unsafe"

	"github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the character device the kernel driver exposes.
const DefaultDevicePath = "/dev/usb-vhci"

// The five ioctl request codes below follow the standard Linux _IOC
// encoding (direction/size/type/number packed into the request word).
// They target the kernel-side struct layouts of linux/usb/vhci.h, which
// is not distributed with this module; the struct definitions here mirror
// the field order and sizes used by userspace callers of that header and
// would need to be checked against a live kernel tree before use against
// a real device.
const (
	iocDirNone  = 0
	iocDirWrite = 1
	iocDirRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	vhciIOCMagic = 0xC9
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | vhciIOCMagic<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

type iocRegister struct {
	PortCount uint8
	_         [3]byte
	ID        int32
	USBBusNum int32
	BusID     [20]byte
}

type iocPortStatWork struct {
	Index  uint8
	_      [1]byte
	Status uint16
	Change uint16
	Flags  uint8
	_      [1]byte
}

type iocURBWork struct {
	Handle        uint64
	DevAddress    uint8
	EPAddress     uint8
	Type          uint8
	Flags         uint8
	BufferLength  uint32
	Interval      int32
	PacketCount   int32
	BmRequestType uint8
	BRequest      uint8
	_             [2]byte
	WValue        uint16
	WIndex        uint16
	WLength       uint16
	_             [2]byte
}

type iocWork struct {
	Timeout      int32
	Type         int32
	CancelHandle uint64
	Port         iocPortStatWork
	URB          iocURBWork
}

type iocURBData struct {
	Handle       uint64
	Buffer       uintptr
	BufferLength uint32
	ISOPackets   uintptr
	PacketCount  int32
}

type iocGiveback struct {
	Handle       uint64
	Status       int32
	BufferActual uint32
	Buffer       uintptr
	BufferLength uint32
	ISOPackets   uintptr
	PacketCount  int32
	ErrorCount   int32
}

type iocPortStat struct {
	Index  uint8
	_      [1]byte
	Status uint16
	Change uint16
	Flags  uint8
	_      [1]byte
}

// work-type discriminator values, matching USB_VHCI_WORK_TYPE_* in the
// kernel header.
const (
	workTypePortStat   = 0
	workTypeProcessURB = 1
	workTypeCancelURB  = 2
)

var (
	ioctlRegister  = ioc(iocDirRead|iocDirWrite, 1, unsafe.Sizeof(iocRegister{}))
	ioctlFetchWork = ioc(iocDirRead|iocDirWrite, 2, unsafe.Sizeof(iocWork{}))
	ioctlFetchData = ioc(iocDirRead|iocDirWrite, 3, unsafe.Sizeof(iocURBData{}))
	ioctlGiveback  = ioc(iocDirWrite, 4, unsafe.Sizeof(iocGiveback{}))
	ioctlPortStat  = ioc(iocDirWrite, 5, unsafe.Sizeof(iocPortStat{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// RealChannel talks to /dev/usb-vhci directly over ioctl(2).
type RealChannel struct {
	fd           int
	controllerID int32
	busNumber    int32
	busID        string
}

// Open registers a new controller with portCount root-hub ports (1..31)
// against devicePath, which is normally DefaultDevicePath.
func Open(devicePath string, portCount uint8) (*RealChannel, error) {
	if portCount == 0 || portCount > 31 {
		return nil, errors.Newf("vhci: port count %d out of range [1,31]", portCount)
	}
	fd, err := unix.Open(devicePath, unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vhci: open device")
	}
	r := iocRegister{PortCount: portCount}
	if err := ioctl(fd, ioctlRegister, unsafe.Pointer(&r)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "vhci: register controller")
	}
	busID := busIDString(r.BusID[:])
	return &RealChannel{
		fd:           fd,
		controllerID: r.ID,
		busNumber:    r.USBBusNum,
		busID:        busID,
	}, nil
}

func busIDString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (c *RealChannel) ControllerID() int32 { return c.controllerID }
func (c *RealChannel) BusNumber() int32    { return c.busNumber }
func (c *RealChannel) BusID() string       { return c.busID }

func (c *RealChannel) FetchWork(timeout time.Duration) (FetchedWork, error) {
	w := iocWork{Timeout: int32(timeout / time.Millisecond)}
	err := ioctl(c.fd, ioctlFetchWork, unsafe.Pointer(&w))
	if err != nil {
		if errno, ok := err.(unix.Errno); ok && (errno == unix.ETIMEDOUT || errno == unix.EINTR || errno == unix.ENODATA) {
			return FetchedWork{Kind: NoEvent}, nil
		}
		return FetchedWork{}, errors.Wrap(err, "vhci: fetch_work")
	}

	switch w.Type {
	case workTypePortStat:
		return FetchedWork{
			Kind:  PortStatEvent,
			Index: w.Port.Index,
			Status: PortStatus{
				Status: w.Port.Status,
				Change: w.Port.Change,
				Flags:  w.Port.Flags,
			},
		}, nil
	case workTypeProcessURB:
		urbType := URBType(w.URB.Type)
		flags := w.URB.Flags
		if urbType != URBTypeBulk {
			// libusb_vhci.c only ever populates the flags word (short_not_ok,
			// zero_packet) for the BULK case; other kinds leave it zeroed.
			flags = 0
		}
		h := Header{
			Handle:          w.URB.Handle,
			Type:            urbType,
			Flags:           flags,
			EndpointAddress: w.URB.EPAddress,
			DeviceAddress:   w.URB.DevAddress,
			BufferLength:    w.URB.BufferLength,
			Interval:        w.URB.Interval,
			PacketCount:     w.URB.PacketCount,
			BmRequestType:   w.URB.BmRequestType,
			BRequest:        w.URB.BRequest,
			WValue:          w.URB.WValue,
			WIndex:          w.URB.WIndex,
			WLength:         w.URB.WLength,
			Status:          StatusPending,
		}
		// usb_vhci_fetch_work_timeout only reports a non-zero buffer_actual
		// for an OUT transfer or an ISO urb (IN bulk/interrupt/control have
		// nothing outbound to fetch; their payload is filled in on giveback
		// instead), then needs data if that or packet_count is non-zero.
		out := h.EndpointAddress&0x80 == 0
		iso := h.Type == URBTypeISO
		needsData := ((out || iso) && h.BufferLength > 0) || h.PacketCount > 0
		return FetchedWork{Kind: URBEvent, Header: h, NeedsData: needsData}, nil
	case workTypeCancelURB:
		return FetchedWork{Kind: CancelEvent, CancelHandle: w.CancelHandle}, nil
	default:
		return FetchedWork{}, errors.Newf("vhci: fetch_work: unknown work type %d", w.Type)
	}
}

// FetchData fills a URB's already-allocated buffer and iso-packet array.
// The caller (the Work Pump) allocates them before calling this, the same
// order local_hcd.cpp's bg_work uses: allocate first, then let fetch_data
// fill already-owned memory.
func (c *RealChannel) FetchData(u *URB) (bool, error) {
	d := iocURBData{
		Handle:      u.Handle,
		PacketCount: u.PacketCount,
	}
	if len(u.Buffer) > 0 {
		d.Buffer = uintptr(unsafe.Pointer(&u.Buffer[0]))
		d.BufferLength = uint32(len(u.Buffer))
	}
	if len(u.ISOPackets) > 0 {
		d.ISOPackets = uintptr(unsafe.Pointer(&u.ISOPackets[0]))
	}
	if err := ioctl(c.fd, ioctlFetchData, unsafe.Pointer(&d)); err != nil {
		if errno, ok := err.(unix.Errno); ok && errno == unix.ECANCELED {
			return true, nil
		}
		return false, errors.Wrap(err, "vhci: fetch_data")
	}
	for i := range u.ISOPackets {
		u.ISOPackets[i].Status = StatusPending
		u.ISOPackets[i].ActualLength = 0
	}
	return false, nil
}

func (c *RealChannel) PortStat(port int, stat PortStatus) error {
	ps := iocPortStat{
		Index:  uint8(port),
		Status: stat.Status,
		Change: stat.Change,
		Flags:  stat.Flags,
	}
	if err := ioctl(c.fd, ioctlPortStat, unsafe.Pointer(&ps)); err != nil {
		return errors.Wrap(err, "vhci: port_stat")
	}
	return nil
}

func (c *RealChannel) GiveBack(u *URB) error {
	iso := u.IsISO()
	gb := iocGiveback{
		Handle:       u.Handle,
		Status:       int32(ToErrno(u.Status, iso)),
		BufferActual: u.BufferActual,
		BufferLength: u.BufferLength,
		PacketCount:  int32(len(u.ISOPackets)),
		ErrorCount:   u.ErrorCount,
	}
	if u.In() && u.BufferActual > 0 && len(u.Buffer) > 0 {
		gb.Buffer = uintptr(unsafe.Pointer(&u.Buffer[0]))
	}
	if len(u.ISOPackets) > 0 {
		gb.ISOPackets = uintptr(unsafe.Pointer(&u.ISOPackets[0]))
	}
	if err := ioctl(c.fd, ioctlGiveback, unsafe.Pointer(&gb)); err != nil {
		if errno, ok := err.(unix.Errno); ok && errno == unix.ECANCELED {
			return nil
		}
		return errors.Wrap(err, "vhci: giveback")
	}
	return nil
}

func (c *RealChannel) Close() error {
	for {
		err := unix.Close(c.fd)
		if err != unix.EINTR {
			return err
		}
	}
}
