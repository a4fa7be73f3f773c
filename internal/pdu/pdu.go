package pdu

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Body is one of *Metadata, *FileData, *EOF, *ACK, *NAK, *Finished.
type Body interface {
	pduType() PDUType
	appendTo(b []byte) ([]byte, error)
}

// PDU is a header plus exactly one body variant.
type PDU struct {
	Header Header
	Body   Body
}

// TransactionID is shorthand for p.Header.TransactionID().
func (p *PDU) TransactionID() TransactionID {
	return p.Header.TransactionID()
}

// Kind names the body variant for logs and metrics.
func (p *PDU) Kind() string {
	switch b := p.Body.(type) {
	case *FileData:
		return "file_data"
	case *Metadata:
		return DirectiveMetadata.String()
	case *EOF:
		return DirectiveEOF.String()
	case *ACK:
		return DirectiveACK.String()
	case *NAK:
		return DirectiveNAK.String()
	case *Finished:
		return DirectiveFinished.String()
	default:
		return fmt.Sprintf("%T", b)
	}
}

// EncodeBody serializes only the body.
func EncodeBody(body Body) ([]byte, error) {
	if body == nil {
		return nil, ErrNilBody
	}
	return body.appendTo(nil)
}

// Encode serializes header and body. The header's Type and
// DataFieldLength are set from the body before packing.
func Encode(p *PDU) ([]byte, error) {
	if p == nil || p.Body == nil {
		return nil, ErrNilBody
	}
	body, err := EncodeBody(p.Body)
	if err != nil {
		return nil, err
	}
	if len(body) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: data field %d octets", ErrInvalidLength, len(body))
	}
	p.Header.Type = p.Body.pduType()
	p.Header.DataFieldLength = uint16(len(body))
	head, err := p.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(head, body...), nil
}

// Decode parses one complete PDU. The body is bounded by the header's
// data field length; trailing octets are ignored.
func Decode(b []byte) (*PDU, error) {
	h, n, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if len(b)-n < int(h.DataFieldLength) {
		return nil, decodeErr("data field", ErrTruncated)
	}
	raw := b[n : n+int(h.DataFieldLength)]

	var body Body
	if h.Type == TypeFileData {
		body, err = DecodeFileData(raw)
	} else {
		if len(raw) < 1 {
			return nil, decodeErr("directive", ErrTruncated)
		}
		switch DirectiveCode(raw[0]) {
		case DirectiveMetadata:
			body, err = DecodeMetadata(raw)
		case DirectiveEOF:
			body, err = DecodeEOF(raw)
		case DirectiveACK:
			body, err = DecodeACK(raw)
		case DirectiveNAK:
			body, err = DecodeNAK(raw)
		case DirectiveFinished:
			body, err = DecodeFinished(raw)
		default:
			return nil, decodeErr("directive", fmt.Errorf("%w: 0x%02x", ErrUnknownDirective, raw[0]))
		}
	}
	if err != nil {
		return nil, err
	}
	return &PDU{Header: h, Body: body}, nil
}

// Metadata opens a transaction. FileTransfer false means metadata-only;
// such a PDU carries empty file names.
type Metadata struct {
	SegmentationControl bool
	FileTransfer        bool
	FileSize            uint32
	SourceName          string
	DestinationName     string
}

func (*Metadata) pduType() PDUType { return TypeFileDirective }

func (m *Metadata) appendTo(b []byte) ([]byte, error) {
	src, dst := m.SourceName, m.DestinationName
	if !m.FileTransfer {
		src, dst = "", ""
	}
	if len(src) > math.MaxUint8 || len(dst) > math.MaxUint8 {
		return nil, ErrNameTooLong
	}
	b = append(b, byte(DirectiveMetadata), boolBit(m.SegmentationControl)<<7)
	b = binary.BigEndian.AppendUint32(b, m.FileSize)
	b = append(b, byte(len(src)))
	b = append(b, src...)
	b = append(b, byte(len(dst)))
	b = append(b, dst...)
	return b, nil
}

// DecodeMetadata parses a Metadata body including its directive octet.
func DecodeMetadata(b []byte) (*Metadata, error) {
	if err := expectDirective("metadata", b, DirectiveMetadata, 7); err != nil {
		return nil, err
	}
	m := &Metadata{
		SegmentationControl: b[1]>>7 == 1,
		FileSize:            binary.BigEndian.Uint32(b[2:6]),
	}
	off := 6
	src, off, err := readLV("metadata source name", b, off)
	if err != nil {
		return nil, err
	}
	dst, _, err := readLV("metadata destination name", b, off)
	if err != nil {
		return nil, err
	}
	m.SourceName = src
	m.DestinationName = dst
	m.FileTransfer = src != ""
	return m, nil
}

// FileData carries one file segment.
type FileData struct {
	SegmentOffset uint32
	Data          []byte
}

func (*FileData) pduType() PDUType { return TypeFileData }

func (f *FileData) appendTo(b []byte) ([]byte, error) {
	b = binary.BigEndian.AppendUint32(b, f.SegmentOffset)
	return append(b, f.Data...), nil
}

// DecodeFileData parses a file-data body. The data slice is copied.
func DecodeFileData(b []byte) (*FileData, error) {
	if len(b) < 4 {
		return nil, decodeErr("file data", ErrTruncated)
	}
	data := make([]byte, len(b)-4)
	copy(data, b[4:])
	return &FileData{SegmentOffset: binary.BigEndian.Uint32(b[0:4]), Data: data}, nil
}

// EOF closes the data phase of a transaction.
type EOF struct {
	ConditionCode ConditionCode
	FileChecksum  uint32
	FileSize      uint32
}

func (*EOF) pduType() PDUType { return TypeFileDirective }

func (e *EOF) appendTo(b []byte) ([]byte, error) {
	b = append(b, byte(DirectiveEOF), uint8(e.ConditionCode&0x0F)<<4)
	b = binary.BigEndian.AppendUint32(b, e.FileChecksum)
	return binary.BigEndian.AppendUint32(b, e.FileSize), nil
}

// DecodeEOF parses an EOF body including its directive octet.
func DecodeEOF(b []byte) (*EOF, error) {
	if err := expectDirective("eof", b, DirectiveEOF, 10); err != nil {
		return nil, err
	}
	return &EOF{
		ConditionCode: ConditionCode(b[1] >> 4),
		FileChecksum:  binary.BigEndian.Uint32(b[2:6]),
		FileSize:      binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

// ACK acknowledges an EOF or Finished directive.
type ACK struct {
	Directive         DirectiveCode
	Subtype           uint8
	ConditionCode     ConditionCode
	TransactionStatus TransactionStatus
}

func (*ACK) pduType() PDUType { return TypeFileDirective }

func (a *ACK) appendTo(b []byte) ([]byte, error) {
	return append(b,
		byte(DirectiveACK),
		uint8(a.Directive&0x0F)<<4|a.Subtype&0x0F,
		uint8(a.ConditionCode&0x0F)<<4|uint8(a.TransactionStatus&0x03),
	), nil
}

// DecodeACK parses an ACK body including its directive octet.
func DecodeACK(b []byte) (*ACK, error) {
	if err := expectDirective("ack", b, DirectiveACK, 3); err != nil {
		return nil, err
	}
	return &ACK{
		Directive:         DirectiveCode(b[1] >> 4),
		Subtype:           b[1] & 0x0F,
		ConditionCode:     ConditionCode(b[2] >> 4),
		TransactionStatus: TransactionStatus(b[2] & 0x03),
	}, nil
}

// SegmentRequest is one missing [Start, End) range in a NAK.
type SegmentRequest struct {
	Start uint32
	End   uint32
}

// NAK lists the ranges a receiver is still missing within its scope.
type NAK struct {
	StartOfScope uint32
	EndOfScope   uint32
	Segments     []SegmentRequest
}

func (*NAK) pduType() PDUType { return TypeFileDirective }

func (n *NAK) appendTo(b []byte) ([]byte, error) {
	b = append(b, byte(DirectiveNAK))
	b = binary.BigEndian.AppendUint32(b, n.StartOfScope)
	b = binary.BigEndian.AppendUint32(b, n.EndOfScope)
	for _, seg := range n.Segments {
		b = binary.BigEndian.AppendUint32(b, seg.Start)
		b = binary.BigEndian.AppendUint32(b, seg.End)
	}
	return b, nil
}

// DecodeNAK parses a NAK body including its directive octet.
func DecodeNAK(b []byte) (*NAK, error) {
	if err := expectDirective("nak", b, DirectiveNAK, 9); err != nil {
		return nil, err
	}
	if (len(b)-9)%8 != 0 {
		return nil, decodeErr("nak", fmt.Errorf("%w: %d trailing segment octets", ErrInvalidLength, (len(b)-9)%8))
	}
	n := &NAK{
		StartOfScope: binary.BigEndian.Uint32(b[1:5]),
		EndOfScope:   binary.BigEndian.Uint32(b[5:9]),
	}
	for off := 9; off < len(b); off += 8 {
		n.Segments = append(n.Segments, SegmentRequest{
			Start: binary.BigEndian.Uint32(b[off : off+4]),
			End:   binary.BigEndian.Uint32(b[off+4 : off+8]),
		})
	}
	return n, nil
}

// Finished reports the receiver's verdict on a transaction.
type Finished struct {
	ConditionCode ConditionCode
	EndSystem     bool
	DeliveryCode  DeliveryCode
	FileStatus    FileStatus
}

func (*Finished) pduType() PDUType { return TypeFileDirective }

func (f *Finished) appendTo(b []byte) ([]byte, error) {
	return append(b,
		byte(DirectiveFinished),
		uint8(f.ConditionCode&0x0F)<<4|boolBit(f.EndSystem)<<3|uint8(f.DeliveryCode&1)<<2|uint8(f.FileStatus&0x03),
	), nil
}

// DecodeFinished parses a Finished body including its directive octet.
func DecodeFinished(b []byte) (*Finished, error) {
	if err := expectDirective("finished", b, DirectiveFinished, 2); err != nil {
		return nil, err
	}
	return &Finished{
		ConditionCode: ConditionCode(b[1] >> 4),
		EndSystem:     b[1]>>3&1 == 1,
		DeliveryCode:  DeliveryCode(b[1] >> 2 & 1),
		FileStatus:    FileStatus(b[1] & 0x03),
	}, nil
}

func expectDirective(op string, b []byte, want DirectiveCode, minLen int) error {
	if len(b) < 1 {
		return decodeErr(op, ErrTruncated)
	}
	if DirectiveCode(b[0]) != want {
		return decodeErr(op, fmt.Errorf("%w: got %s want %s", ErrDirectiveMismatch, DirectiveCode(b[0]), want))
	}
	if len(b) < minLen {
		return decodeErr(op, ErrTruncated)
	}
	return nil
}

func readLV(op string, b []byte, off int) (string, int, error) {
	if off >= len(b) {
		return "", off, decodeErr(op, ErrTruncated)
	}
	n := int(b[off])
	off++
	if n > len(b)-off {
		return "", off, decodeErr(op, fmt.Errorf("%w: value needs %d octets, %d remain", ErrInvalidLength, n, len(b)-off))
	}
	return string(b[off : off+n]), off + n, nil
}
