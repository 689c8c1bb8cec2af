package vhci

import "golang.org/x/sys/unix"

// Status is a VHCI-space completion code, as carried on a URB or an ISO
// packet. Numeric values match the kernel ABI (usb_vhci_status in the
// kernel header) so a wire dump can be compared directly against them.
type Status int32

const (
	StatusSuccess              Status = 0x00000000
	StatusPending              Status = 0x10000001
	StatusShortPacket          Status = 0x10000002
	StatusError                Status = 0x7ff00000
	StatusCanceled             Status = 0x30000001
	StatusTimedout             Status = 0x30000002
	StatusDeviceDisabled       Status = 0x71000001
	StatusDeviceDisconnected   Status = 0x71000002
	StatusBitStuff             Status = 0x72000001
	StatusCRC                  Status = 0x72000002
	StatusNoResponse           Status = 0x72000003
	StatusBabble               Status = 0x72000004
	StatusStall                Status = 0x74000001
	StatusBufferOverrun        Status = 0x72100001
	StatusBufferUnderrun       Status = 0x72100002
	StatusAllISOPacketsFailed  Status = 0x78000001
)

// ToErrno maps a VHCI status to the kernel's negative-errno completion
// space, as given back over the giveback ioctl (§6's table, authoritative).
// iso selects the iso-specific branches for STATUS_ERROR and
// STATUS_ALL_ISO_PACKETS_FAILED.
func ToErrno(s Status, iso bool) int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusPending:
		return -int(unix.EINPROGRESS)
	case StatusShortPacket:
		return -int(unix.EREMOTEIO)
	case StatusError:
		if iso {
			return -int(unix.EXDEV)
		}
		return -int(unix.EPROTO)
	case StatusCanceled:
		return -int(unix.ECONNRESET)
	case StatusTimedout:
		return -int(unix.ETIMEDOUT)
	case StatusDeviceDisabled:
		return -int(unix.ESHUTDOWN)
	case StatusDeviceDisconnected:
		return -int(unix.ENODEV)
	case StatusBitStuff:
		return -int(unix.EPROTO)
	case StatusCRC:
		return -int(unix.EILSEQ)
	case StatusNoResponse:
		return -int(unix.ETIME)
	case StatusBabble:
		return -int(unix.EOVERFLOW)
	case StatusStall:
		return -int(unix.EPIPE)
	case StatusBufferOverrun:
		return -int(unix.ECOMM)
	case StatusBufferUnderrun:
		return -int(unix.ENOSR)
	case StatusAllISOPacketsFailed:
		if iso {
			return -int(unix.EINVAL)
		}
		return -int(unix.EPROTO)
	default:
		return -int(unix.EPROTO)
	}
}

// FromErrno is the inverse of ToErrno, as applied when decoding a fetched
// URB's initial status or an iso packet's status word coming off the wire.
// Both -ENOENT and -ECONNRESET normalize to StatusCanceled inbound, which
// is why ToErrno∘FromErrno is not quite the identity on that one code.
func FromErrno(errno int, iso bool) Status {
	switch errno {
	case 0:
		return StatusSuccess
	case -int(unix.EINPROGRESS):
		return StatusPending
	case -int(unix.EREMOTEIO):
		return StatusShortPacket
	case -int(unix.ENOENT), -int(unix.ECONNRESET):
		return StatusCanceled
	case -int(unix.ETIMEDOUT):
		return StatusTimedout
	case -int(unix.ESHUTDOWN):
		return StatusDeviceDisabled
	case -int(unix.ENODEV):
		return StatusDeviceDisconnected
	case -int(unix.EPROTO):
		return StatusBitStuff
	case -int(unix.EILSEQ):
		return StatusCRC
	case -int(unix.ETIME):
		return StatusNoResponse
	case -int(unix.EOVERFLOW):
		return StatusBabble
	case -int(unix.EPIPE):
		return StatusStall
	case -int(unix.ECOMM):
		return StatusBufferOverrun
	case -int(unix.ENOSR):
		return StatusBufferUnderrun
	case -int(unix.EINVAL):
		if iso {
			return StatusAllISOPacketsFailed
		}
		return StatusError
	default:
		return StatusError
	}
}

// ToISOPacketErrno and FromISOPacketErrno are the always-non-iso wrappers
// used for the sub-status of an individual ISO packet (the kernel treats
// packet-level statuses as non-iso even inside an iso URB).
func ToISOPacketErrno(s Status) int      { return ToErrno(s, false) }
func FromISOPacketErrno(errno int) Status { return FromErrno(errno, false) }
