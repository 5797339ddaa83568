// Package wire implements the outgoing-packet composer and parser: a
// 6-byte sender SID prefix, a 2-byte message number, then a sequence
// of type-byte-led fields.
//
// Byte-exact interop with other radio-mesh implementations is out of
// scope; the wire envelope is internal to this codebase's own radio
// drivers. The concrete field layouts below are a clean, internally
// consistent encoding satisfying round-trip totality, the 1 MiB
// fragment-offset boundary, and little-endian multi-byte integers,
// using the conventional field table of type letters and lengths.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/servalproject/lbard-go/internal/ecode"
)

// Field type letters.
const (
	TypeTime        = 'T'
	TypeGeneration  = 'G'
	TypeSync        = 'S'
	TypeBAR         = 'B'
	TypeLength      = 'L'
	TypeManifestFrag      = 'p'
	TypeManifestFragFinal = 'P'
	TypeBodyFrag          = 'q'
	TypeBodyFragFinal     = 'Q'
	TypeRequest     = 'R'
	TypeAck         = 'A'
	TypeBitmapRpt   = 'M'
)

// LargeOffsetThreshold is the 1 MiB boundary above which a fragment's
// start_offset must be carried in the extended 5-byte form.
const LargeOffsetThreshold = 0xFFFFF

const (
	HeaderLen = 6 + 2 // sender SID prefix + message number
)

// Header is the fixed prefix of every outgoing packet.
type Header struct {
	SIDPrefix    [6]byte
	MsgCounter   uint16 // low 15 bits
	Retransmit   bool   // high bit of the message-number field
}

func (h Header) encode(b []byte) {
	copy(b[0:6], h.SIDPrefix[:])
	v := h.MsgCounter & 0x7FFF
	if h.Retransmit {
		v |= 0x8000
	}
	binary.LittleEndian.PutUint16(b[6:8], v)
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ecode.Wrap(ecode.ErrMalformedField, "short packet header (%d bytes)", len(b))
	}
	var h Header
	copy(h.SIDPrefix[:], b[0:6])
	v := binary.LittleEndian.Uint16(b[6:8])
	h.MsgCounter = v & 0x7FFF
	h.Retransmit = v&0x8000 != 0
	return h, nil
}

// Field is one type-byte-led record in a packet body.
type Field interface {
	Type() byte
	// EncodedLen returns the number of bytes Encode will write, including the type byte.
	EncodedLen() int
	// Encode appends this field's wire bytes (including its type byte) to b and returns the result.
	Encode(b []byte) []byte
}

// --- T: time field ---

type TimeField struct {
	Stratum      uint8
	Seconds      uint64 // low 8 bytes used
	Microseconds uint32 // low 3 bytes used
}

func (TimeField) Type() byte    { return TypeTime }
func (TimeField) EncodedLen() int { return 13 }

func (f TimeField) Encode(b []byte) []byte {
	out := append(b, TypeTime, f.Stratum)
	var secbuf [8]byte
	binary.LittleEndian.PutUint64(secbuf[:], f.Seconds)
	out = append(out, secbuf[:]...)
	var usbuf [4]byte
	binary.LittleEndian.PutUint32(usbuf[:], f.Microseconds)
	out = append(out, usbuf[:3]...)
	return out
}

func decodeTime(b []byte) (Field, int, error) {
	if len(b) < 13 {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated T field")
	}
	f := TimeField{Stratum: b[1]}
	f.Seconds = binary.LittleEndian.Uint64(b[2:10])
	var usbuf [4]byte
	copy(usbuf[:3], b[10:13])
	f.Microseconds = binary.LittleEndian.Uint32(usbuf[:])
	return f, 13, nil
}

// --- G: generation id ---

type GenerationField struct {
	GenerationID uint32
}

func (GenerationField) Type() byte      { return TypeGeneration }
func (GenerationField) EncodedLen() int { return 5 }

func (f GenerationField) Encode(b []byte) []byte {
	out := append(b, TypeGeneration)
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], f.GenerationID)
	return append(out, buf[:]...)
}

func decodeGeneration(b []byte) (Field, int, error) {
	if len(b) < 5 {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated G field")
	}
	return GenerationField{GenerationID: binary.LittleEndian.Uint32(b[1:5])}, 5, nil
}

// --- S: sync tree message ---

type SyncField struct {
	Records []byte // raw 10-byte synctree records, length a multiple of 10
}

func (SyncField) Type() byte      { return TypeSync }
func (f SyncField) EncodedLen() int { return 2 + len(f.Records) }

func (f SyncField) Encode(b []byte) []byte {
	out := append(b, TypeSync, byte(len(f.Records)))
	return append(out, f.Records...)
}

func decodeSync(b []byte) (Field, int, error) {
	if len(b) < 2 {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated S field header")
	}
	l := int(b[1])
	if l > 64 || len(b) < 2+l {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "bad S field length %d", l)
	}
	recs := make([]byte, l)
	copy(recs, b[2:2+l])
	return SyncField{Records: recs}, 2 + l, nil
}

// --- B: BAR (legacy, interop-visibility only) ---

type BARField struct {
	BIDPrefix       [8]byte
	Version         uint64
	RecipientPrefix [4]byte
	SizeClass       uint8
}

func (BARField) Type() byte      { return TypeBAR }
func (BARField) EncodedLen() int { return 22 }

func (f BARField) Encode(b []byte) []byte {
	out := append(b, TypeBAR)
	out = append(out, f.BIDPrefix[:]...)
	var vbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], f.Version)
	out = append(out, vbuf[:]...)
	out = append(out, f.RecipientPrefix[:]...)
	return append(out, f.SizeClass)
}

func decodeBAR(b []byte) (Field, int, error) {
	if len(b) < 22 {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated B field")
	}
	var f BARField
	copy(f.BIDPrefix[:], b[1:9])
	f.Version = binary.LittleEndian.Uint64(b[9:17])
	copy(f.RecipientPrefix[:], b[17:21])
	f.SizeClass = b[21]
	return f, 22, nil
}

// --- L: length announcement ---

type LengthField struct {
	BIDPrefix [8]byte
	Version   uint64
	Length    uint32
}

func (LengthField) Type() byte      { return TypeLength }
func (LengthField) EncodedLen() int { return 21 }

func (f LengthField) Encode(b []byte) []byte {
	out := append(b, TypeLength)
	out = append(out, f.BIDPrefix[:]...)
	var vbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], f.Version)
	out = append(out, vbuf[:]...)
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], f.Length)
	return append(out, lbuf[:]...)
}

func decodeLength(b []byte) (Field, int, error) {
	if len(b) < 21 {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated L field")
	}
	var f LengthField
	copy(f.BIDPrefix[:], b[1:9])
	f.Version = binary.LittleEndian.Uint64(b[9:17])
	f.Length = binary.LittleEndian.Uint32(b[17:21])
	return f, 21, nil
}

// --- p/P/q/Q: manifest/body fragment ---

// FragKind distinguishes the four fragment letters.
type FragKind byte

const (
	FragManifest FragKind = TypeManifestFrag
	FragBody     FragKind = TypeBodyFrag
)

type FragmentField struct {
	Kind        FragKind // FragManifest or FragBody (case carries the offset-width flag, not this)
	BIDPrefix   [8]byte
	Version     uint64
	StartOffset uint64
	EndOfStream bool
	Payload     []byte
}

func (f FragmentField) extended() bool { return f.StartOffset > LargeOffsetThreshold }

func (f FragmentField) Type() byte {
	letter := byte(f.Kind)
	if f.extended() {
		return letter - 32 // uppercase
	}
	return letter
}

func (f FragmentField) EncodedLen() int {
	base := 23
	if f.extended() {
		base = 25
	}
	return base + len(f.Payload)
}

func (f FragmentField) Encode(b []byte) []byte {
	out := append(b, f.Type())
	out = append(out, f.BIDPrefix[:]...)
	var vbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], f.Version)
	out = append(out, vbuf[:]...)

	offWidth := 3
	if f.extended() {
		offWidth = 5
	}
	var obuf [8]byte
	binary.LittleEndian.PutUint64(obuf[:], f.StartOffset)
	out = append(out, obuf[:offWidth]...)

	var lbuf [2]byte
	binary.LittleEndian.PutUint16(lbuf[:], uint16(len(f.Payload)))
	out = append(out, lbuf[:]...)

	var flags byte
	if f.EndOfStream {
		flags |= 0x01
	}
	out = append(out, flags)
	return append(out, f.Payload...)
}

func decodeFragment(kind FragKind, extended bool) func([]byte) (Field, int, error) {
	return func(b []byte) (Field, int, error) {
		offWidth := 3
		headerLen := 23
		if extended {
			offWidth = 5
			headerLen = 25
		}
		if len(b) < headerLen {
			return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated fragment header")
		}
		var f FragmentField
		f.Kind = kind
		copy(f.BIDPrefix[:], b[1:9])
		f.Version = binary.LittleEndian.Uint64(b[9:17])

		var obuf [8]byte
		copy(obuf[:offWidth], b[17:17+offWidth])
		f.StartOffset = binary.LittleEndian.Uint64(obuf[:])

		p := 17 + offWidth
		pieceLen := int(binary.LittleEndian.Uint16(b[p : p+2]))
		flags := b[p+2]
		f.EndOfStream = flags&0x01 != 0
		p += 3
		if len(b) < p+pieceLen {
			return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated fragment payload (want %d have %d)", pieceLen, len(b)-p)
		}
		f.Payload = make([]byte, pieceLen)
		copy(f.Payload, b[p:p+pieceLen])
		return f, p + pieceLen, nil
	}
}

// --- R: fragment request ---

type RequestField struct {
	BIDPrefix       [8]byte
	RequestedOffset uint32
	IsManifest      bool
}

func (RequestField) Type() byte      { return TypeRequest }
func (RequestField) EncodedLen() int { return 14 }

func (f RequestField) Encode(b []byte) []byte {
	out := append(b, TypeRequest)
	out = append(out, f.BIDPrefix[:]...)
	var obuf [4]byte
	binary.LittleEndian.PutUint32(obuf[:], f.RequestedOffset)
	out = append(out, obuf[:]...)
	var flag byte
	if f.IsManifest {
		flag = 1
	}
	return append(out, flag)
}

func decodeRequest(b []byte) (Field, int, error) {
	if len(b) < 14 {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated R field")
	}
	var f RequestField
	copy(f.BIDPrefix[:], b[1:9])
	f.RequestedOffset = binary.LittleEndian.Uint32(b[9:13])
	f.IsManifest = b[13] != 0
	return f, 14, nil
}

// --- A: acknowledgement / progress ---

type AckField struct {
	BIDPrefix      [8]byte
	ManifestOffset uint16
	BodyOffset     uint32
}

func (AckField) Type() byte      { return TypeAck }
func (AckField) EncodedLen() int { return 15 }

func (f AckField) Encode(b []byte) []byte {
	out := append(b, TypeAck)
	out = append(out, f.BIDPrefix[:]...)
	var mbuf [2]byte
	binary.LittleEndian.PutUint16(mbuf[:], f.ManifestOffset)
	out = append(out, mbuf[:]...)
	var bbuf [4]byte
	binary.LittleEndian.PutUint32(bbuf[:], f.BodyOffset)
	return append(out, bbuf[:]...)
}

func decodeAck(b []byte) (Field, int, error) {
	if len(b) < 15 {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated A field")
	}
	var f AckField
	copy(f.BIDPrefix[:], b[1:9])
	f.ManifestOffset = binary.LittleEndian.Uint16(b[9:11])
	f.BodyOffset = binary.LittleEndian.Uint32(b[11:15])
	return f, 15, nil
}

// --- M: bitmap progress report ---

type BitmapReportField struct {
	BIDPrefix      [8]byte
	BitmapStart    uint32
	Bitmap         [32]byte // body request bitmap
	ManifestBitmap [2]byte
}

func (BitmapReportField) Type() byte      { return TypeBitmapRpt }
func (BitmapReportField) EncodedLen() int { return 1 + 8 + 4 + 32 + 2 }

func (f BitmapReportField) Encode(b []byte) []byte {
	out := append(b, TypeBitmapRpt)
	out = append(out, f.BIDPrefix[:]...)
	var sbuf [4]byte
	binary.LittleEndian.PutUint32(sbuf[:], f.BitmapStart)
	out = append(out, sbuf[:]...)
	out = append(out, f.Bitmap[:]...)
	return append(out, f.ManifestBitmap[:]...)
}

func decodeBitmapReport(b []byte) (Field, int, error) {
	const n = 1 + 8 + 4 + 32 + 2
	if len(b) < n {
		return nil, 0, ecode.Wrap(ecode.ErrMalformedField, "truncated M field")
	}
	var f BitmapReportField
	copy(f.BIDPrefix[:], b[1:9])
	f.BitmapStart = binary.LittleEndian.Uint32(b[9:13])
	copy(f.Bitmap[:], b[13:45])
	copy(f.ManifestBitmap[:], b[45:47])
	return f, n, nil
}

type decodeFunc func([]byte) (Field, int, error)

var dispatch = map[byte]decodeFunc{
	TypeTime:              decodeTime,
	TypeGeneration:        decodeGeneration,
	TypeSync:              decodeSync,
	TypeBAR:               decodeBAR,
	TypeLength:            decodeLength,
	TypeManifestFrag:      decodeFragment(FragManifest, false),
	TypeManifestFragFinal: decodeFragment(FragManifest, true),
	TypeBodyFrag:          decodeFragment(FragBody, false),
	TypeBodyFragFinal:     decodeFragment(FragBody, true),
	TypeRequest:           decodeRequest,
	TypeAck:               decodeAck,
	TypeBitmapRpt:          decodeBitmapReport,
}

// Compose writes header followed by fields into a packet body (FEC/
// radio-envelope framing happens in internal/fec and internal/radio).
// It returns an error if the fields don't fit in maxLen.
func Compose(h Header, fields []Field, maxLen int) ([]byte, error) {
	total := HeaderLen
	for _, f := range fields {
		total += f.EncodedLen()
	}
	if total > maxLen {
		return nil, fmt.Errorf("wire: packet of %d bytes exceeds max %d", total, maxLen)
	}
	buf := make([]byte, HeaderLen, total)
	h.encode(buf)
	for _, f := range fields {
		buf = f.Encode(buf)
	}
	return buf, nil
}

// Parse decodes a packet's header and fields. An unknown type byte or a
// malformed field aborts parsing of the remainder, but the fields
// already decoded, plus the header, are still returned
// successfully (err is non-nil to signal that parsing stopped early at
// an unknown type byte or a truncated field, via
// ecode.ErrMalformedField; callers should still use the returned fields).
func Parse(data []byte) (Header, []Field, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	var fields []Field
	offset := HeaderLen
	for offset < len(data) {
		typeByte := data[offset]
		dec, ok := dispatch[typeByte]
		if !ok {
			return h, fields, ecode.Wrap(ecode.ErrMalformedField, "unknown field type %q at offset %d", typeByte, offset)
		}
		f, n, err := dec(data[offset:])
		if err != nil {
			return h, fields, err
		}
		fields = append(fields, f)
		offset += n
	}
	return h, fields, nil
}
