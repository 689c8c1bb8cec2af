package vhci

import (
	"github.com/efficientgo/core/errors"
)

// Header is the flat record shape fetch_work/fetch_data hand across the
// Kernel Channel boundary: a URB's fields with no ownership semantics
// attached to Buffer/ISOPackets yet. NewURB and AdoptURB turn a Header
// into an owned URB by copying or adopting those slices respectively.
type Header struct {
	Handle          uint64
	Type            URBType
	Flags           uint8
	EndpointAddress uint8
	DeviceAddress   uint8
	BufferLength    uint32
	BufferActual    uint32
	Buffer          []byte
	Interval        int32
	PacketCount     int32
	ISOPackets      []ISOPacket
	BmRequestType   uint8
	BRequest        uint8
	WValue          uint16
	WIndex          uint16
	WLength         uint16
	Status          Status
}

// URB is an owned, in-flight USB Request Block: a Header plus the buffer
// and iso-packet array it exclusively owns. Kind determines which
// sub-fields are meaningful; non-applicable fields are zero at construction
// (validated below) and stay that way for the URB's lifetime.
type URB struct {
	Header
	ErrorCount int32
}

func fieldError(field string) error {
	return errors.Newf("urb: field %q is not valid for this urb type", field)
}

func validateHeader(h Header) error {
	if h.Type != URBTypeISO && h.Type != URBTypeInterrupt && h.Type != URBTypeControl && h.Type != URBTypeBulk {
		return errors.Newf("urb: unknown type %d", h.Type)
	}

	if h.Type != URBTypeControl {
		if h.BmRequestType != 0 {
			return fieldError("bmRequestType")
		}
		if h.BRequest != 0 {
			return fieldError("bRequest")
		}
		if h.WValue != 0 {
			return fieldError("wValue")
		}
		if h.WIndex != 0 {
			return fieldError("wIndex")
		}
		if h.WLength != 0 {
			return fieldError("wLength")
		}
	}

	if h.Type == URBTypeISO {
		if h.PacketCount > 0 {
			if h.BufferLength == 0 {
				return fieldError("buffer_length")
			}
			if h.ISOPackets == nil {
				return fieldError("iso_packets")
			}
		}
	} else if h.PacketCount != 0 {
		return fieldError("packet_count")
	}

	if h.Type != URBTypeInterrupt && h.Type != URBTypeISO && h.Interval != 0 {
		return fieldError("interval")
	}

	return nil
}

// NewURB validates h and deep-copies its Buffer and ISOPackets, for use
// when the caller still owns the Header's slices (e.g. a wire decode that
// reuses a scratch buffer across calls).
func NewURB(h Header) (*URB, error) {
	if err := validateHeader(h); err != nil {
		return nil, err
	}
	cp := h
	if h.Buffer != nil {
		cp.Buffer = append([]byte(nil), h.Buffer...)
	}
	if h.ISOPackets != nil {
		cp.ISOPackets = append([]ISOPacket(nil), h.ISOPackets...)
	}
	return &URB{Header: cp}, nil
}

// AdoptURB validates h and takes ownership of its Buffer and ISOPackets
// directly, for use when the caller allocated them specifically for this
// URB (the Work Pump's fetch-data path).
func AdoptURB(h Header) (*URB, error) {
	if err := validateHeader(h); err != nil {
		return nil, err
	}
	return &URB{Header: h}, nil
}

// Clone deep-copies u, including its buffer and iso-packet array.
func (u *URB) Clone() *URB {
	cp := *u
	if u.Buffer != nil {
		cp.Buffer = append([]byte(nil), u.Buffer...)
	}
	if u.ISOPackets != nil {
		cp.ISOPackets = append([]ISOPacket(nil), u.ISOPackets...)
	}
	return &cp
}

// IsControl, IsISO, IsInterrupt and IsBulk report the URB's kind.
func (u *URB) IsControl() bool   { return u.Type == URBTypeControl }
func (u *URB) IsISO() bool       { return u.Type == URBTypeISO }
func (u *URB) IsInterrupt() bool { return u.Type == URBTypeInterrupt }
func (u *URB) IsBulk() bool      { return u.Type == URBTypeBulk }

// In reports the transfer direction: true iff the high bit of the
// endpoint address is set.
func (u *URB) In() bool { return u.EndpointAddress&0x80 != 0 }

// EndpointNumber is the low 4 bits of the endpoint address.
func (u *URB) EndpointNumber() uint8 { return u.EndpointAddress & 0x0f }

// Ack marks the URB successfully completed.
func (u *URB) Ack() { u.Status = StatusSuccess }

// Stall marks the URB as stalled by the (simulated) device.
func (u *URB) Stall() { u.Status = StatusStall }

// SetISOResults aggregates the iso-packet array into the URB's overall
// completion status. It is a pure function of the current packet array,
// so it is safe to call more than once: error_count and status are
// recomputed from scratch each time rather than latched.
func (u *URB) SetISOResults() {
	var errCount int32
	for _, p := range u.ISOPackets {
		if p.Status != StatusSuccess {
			errCount++
		}
	}
	u.ErrorCount = errCount
	if n := int32(len(u.ISOPackets)); errCount == n {
		// Vacuously true for an empty packet array too, matching
		// set_iso_results's equality check rather than guarding on n>0.
		u.Status = StatusAllISOPacketsFailed
	} else {
		u.Status = StatusSuccess
	}
	if u.In() {
		u.BufferActual = u.BufferLength
	}
}
