package pdu

import "fmt"

const (
	fixedHeaderLen = 4
	maxIDOctets    = 8
)

// Header is present on every PDU.
//
// EntityIDLength and SequenceLength are octet counts. Zero means "derive
// from the magnitude of the ids" on encode; source and destination always
// share one entity-id length.
type Header struct {
	Version         uint8
	Type            PDUType
	Direction       Direction
	Mode            TransmissionMode
	CRC             bool
	DataFieldLength uint16
	EntityIDLength  uint8
	SequenceLength  uint8
	Source          EntityID
	Sequence        uint64
	Destination     EntityID
}

// TransactionID returns the (source, sequence) key carried by the header.
func (h Header) TransactionID() TransactionID {
	return TransactionID{Source: h.Source, Sequence: h.Sequence}
}

// Len returns the encoded header size. Lengths must already be resolved.
func (h Header) Len() int {
	return fixedHeaderLen + 2*int(h.EntityIDLength) + int(h.SequenceLength)
}

// resolveLengths fills zero length fields from the id magnitudes and checks
// explicit ones.
func (h *Header) resolveLengths() error {
	need := max(octetsFor(uint64(h.Source)), octetsFor(uint64(h.Destination)))
	if h.EntityIDLength == 0 {
		h.EntityIDLength = uint8(need)
	} else if int(h.EntityIDLength) < need || h.EntityIDLength > maxIDOctets {
		return fmt.Errorf("%w: entity ids need %d octets, header declares %d", ErrEntityIDTooLarge, need, h.EntityIDLength)
	}
	seqNeed := octetsFor(h.Sequence)
	if h.SequenceLength == 0 {
		h.SequenceLength = uint8(seqNeed)
	} else if int(h.SequenceLength) < seqNeed || h.SequenceLength > maxIDOctets {
		return fmt.Errorf("%w: sequence needs %d octets, header declares %d", ErrEntityIDTooLarge, seqNeed, h.SequenceLength)
	}
	return nil
}

// MarshalBinary encodes the header, resolving id lengths in place.
func (h *Header) MarshalBinary() ([]byte, error) {
	if err := h.resolveLengths(); err != nil {
		return nil, err
	}
	buf := make([]byte, h.Len())
	buf[0] = (h.Version&0x07)<<5 |
		uint8(h.Type&1)<<4 |
		uint8(h.Direction&1)<<3 |
		uint8(h.Mode&1)<<2 |
		boolBit(h.CRC)<<1
	buf[1] = byte(h.DataFieldLength >> 8)
	buf[2] = byte(h.DataFieldLength)
	buf[3] = (h.EntityIDLength-1)&0x07<<4 | (h.SequenceLength-1)&0x07

	e := int(h.EntityIDLength)
	s := int(h.SequenceLength)
	off := fixedHeaderLen
	putUintN(buf[off:off+e], uint64(h.Source))
	off += e
	putUintN(buf[off:off+s], h.Sequence)
	off += s
	putUintN(buf[off:off+e], uint64(h.Destination))
	return buf, nil
}

// DecodeHeader parses a header from the front of b and returns the number
// of octets consumed.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < fixedHeaderLen {
		return Header{}, 0, decodeErr("header", ErrTruncated)
	}
	h := Header{
		Version:         b[0] >> 5 & 0x07,
		Type:            PDUType(b[0] >> 4 & 1),
		Direction:       Direction(b[0] >> 3 & 1),
		Mode:            TransmissionMode(b[0] >> 2 & 1),
		CRC:             b[0]>>1&1 == 1,
		DataFieldLength: uint16(b[1])<<8 | uint16(b[2]),
		EntityIDLength:  (b[3]>>4)&0x07 + 1,
		SequenceLength:  b[3]&0x07 + 1,
	}
	n := h.Len()
	if len(b) < n {
		return Header{}, 0, decodeErr("header", ErrTruncated)
	}
	e := int(h.EntityIDLength)
	s := int(h.SequenceLength)
	off := fixedHeaderLen
	h.Source = EntityID(uintN(b[off : off+e]))
	off += e
	h.Sequence = uintN(b[off : off+s])
	off += s
	h.Destination = EntityID(uintN(b[off : off+e]))
	return h, n, nil
}

func octetsFor(v uint64) int {
	n := 1
	for v > 0xFF {
		v >>= 8
		n++
	}
	return n
}

func putUintN(dst []byte, v uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func uintN(src []byte) uint64 {
	var v uint64
	for _, b := range src {
		v = v<<8 | uint64(b)
	}
	return v
}

func boolBit(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
