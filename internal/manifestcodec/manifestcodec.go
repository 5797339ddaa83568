// Package manifestcodec implements the manifest token-compression
// codec: known key=value lines are replaced by a single
// token byte plus a compact type-specific encoding of the value, with
// the opaque signature tail (from the first NUL byte onward) copied
// verbatim. Round-trip verification is mandatory: compression is only
// used when decompressing it reproduces the original manifest
// bytewise, since peers must keep verifying the same signature bytes
// regardless of which form a manifest traveled in.
//
// The field/token table mirrors the well-known manifest field set;
// this package supplies the real per-type encodings alongside it.
package manifestcodec

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strconv"

	"github.com/pierrec/lz4/v3"

	"github.com/servalproject/lbard-go/internal/ecode"
)

type kind int

const (
	kindHex kind = iota
	kindVarint
	kindEnum
)

type fieldSpec struct {
	token       byte
	name        string
	kind        kind
	hexBytes    int
	enumOptions []string
}

var fieldTable = []fieldSpec{
	{token: 0x80, name: "id", kind: kindHex, hexBytes: 32},
	{token: 0x81, name: "bk", kind: kindHex, hexBytes: 32},
	{token: 0x82, name: "sender", kind: kindHex, hexBytes: 32},
	{token: 0x83, name: "recipient", kind: kindHex, hexBytes: 32},
	{token: 0x90, name: "filehash", kind: kindHex, hexBytes: 64},
	{token: 0xa0, name: "version", kind: kindVarint},
	{token: 0xa1, name: "filesize", kind: kindVarint},
	{token: 0xa2, name: "date", kind: kindVarint},
	{token: 0xa3, name: "crypt", kind: kindEnum, enumOptions: []string{"0", "1"}},
	{token: 0xb0, name: "service", kind: kindEnum, enumOptions: []string{"file", "MeshMS1", "MeshMS2"}},
}

func byName(name string) (fieldSpec, bool) {
	for _, f := range fieldTable {
		if f.name == name {
			return f, true
		}
	}
	return fieldSpec{}, false
}

func byToken(tok byte) (fieldSpec, bool) {
	for _, f := range fieldTable {
		if f.token == tok {
			return f, true
		}
	}
	return fieldSpec{}, false
}

// encodeValue renders value (the ASCII text after "key=") into the
// field's binary form. ok is false if value doesn't fit the field's
// type (e.g. malformed hex, out-of-range enum) — the caller then
// leaves that line uncompressed.
func encodeValue(f fieldSpec, value string) (enc []byte, ok bool) {
	switch f.kind {
	case kindHex:
		if len(value) != f.hexBytes*2 {
			return nil, false
		}
		raw, err := hex.DecodeString(value)
		if err != nil {
			return nil, false
		}
		return raw, true
	case kindVarint:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, false
		}
		buf := make([]byte, binary.MaxVarintLen64)
		l := binary.PutUvarint(buf, n)
		return buf[:l], true
	case kindEnum:
		for i, opt := range f.enumOptions {
			if opt == value { // CASE SENSITIVE
				return []byte{byte(i)}, true
			}
		}
		return nil, false
	}
	return nil, false
}

// decodeValue is the inverse of encodeValue; n is the number of bytes
// of bin consumed.
func decodeValue(f fieldSpec, bin []byte) (value string, n int, ok bool) {
	switch f.kind {
	case kindHex:
		if len(bin) < f.hexBytes {
			return "", 0, false
		}
		return hex.EncodeToString(bin[:f.hexBytes]), f.hexBytes, true
	case kindVarint:
		val, n := binary.Uvarint(bin)
		if n <= 0 {
			return "", 0, false
		}
		return strconv.FormatUint(val, 10), n, true
	case kindEnum:
		if len(bin) < 1 || int(bin[0]) >= len(f.enumOptions) {
			return "", 0, false
		}
		return f.enumOptions[bin[0]], 1, true
	}
	return "", 0, false
}

// splitSignature finds the first NUL byte, which marks the start of
// the opaque signature block.
func splitSignature(manifest []byte) (text, tail []byte) {
	if i := bytes.IndexByte(manifest, 0); i >= 0 {
		return manifest[:i], manifest[i:]
	}
	return manifest, nil
}

// tokenCompress encodes the text portion of a manifest, replacing
// recognized key=value lines with their token form.
func tokenCompress(text []byte) []byte {
	var out bytes.Buffer
	lines := bytes.Split(text, []byte("\n"))
	for i, line := range lines {
		if i == len(lines)-1 && len(line) == 0 {
			// trailing split artifact from the final "\n"; nothing to emit.
			continue
		}
		eq := bytes.IndexByte(line, '=')
		if eq > 0 {
			key := string(line[:eq])
			value := string(line[eq+1:])
			if f, found := byName(key); found {
				if enc, ok := encodeValue(f, value); ok {
					out.WriteByte(f.token)
					out.Write(enc)
					continue
				}
			}
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// tokenDecompress is the inverse of tokenCompress, ported from
// manifest_binary_to_text's start-of-line token scan.
func tokenDecompress(bin []byte) ([]byte, error) {
	var out bytes.Buffer
	startOfLine := true
	for offset := 0; offset < len(bin); {
		b := bin[offset]
		switch {
		case startOfLine && b&0x80 != 0:
			f, found := byToken(b)
			if !found {
				return nil, ecode.Wrap(ecode.ErrMalformedField, "manifestcodec: unknown token 0x%02x", b)
			}
			value, n, ok := decodeValue(f, bin[offset+1:])
			if !ok {
				return nil, ecode.Wrap(ecode.ErrMalformedField, "manifestcodec: could not decode field %q", f.name)
			}
			out.WriteString(f.name)
			out.WriteByte('=')
			out.WriteString(value)
			out.WriteByte('\n')
			offset += 1 + n
			startOfLine = true
		case b == '\n':
			out.WriteByte('\n')
			offset++
			startOfLine = true
		default:
			out.WriteByte(b)
			offset++
			startOfLine = false
		}
	}
	return out.Bytes(), nil
}

// Compress produces the token-compressed form of manifest, verifying
// that decompressing it reproduces the input exactly; on any mismatch
// (or decode error) it returns the original manifest unchanged. The
// round trip must never lose a byte, since peers verify the same
// signature regardless of which form a manifest traveled in.
func Compress(manifest []byte) []byte {
	text, tail := splitSignature(manifest)
	compressedText := tokenCompress(text)
	candidate := append(append([]byte{}, compressedText...), tail...)

	roundTripped, err := Decompress(candidate)
	if err != nil || !bytes.Equal(roundTripped, manifest) {
		return manifest
	}
	return candidate
}

// Decompress inflates a (possibly token-compressed) manifest. It is
// always safe to call on an uncompressed manifest too, since manifest
// text never legitimately starts a line with a byte ≥0x80.
func Decompress(manifest []byte) ([]byte, error) {
	text, tail := splitSignature(manifest)
	decoded, err := tokenDecompress(text)
	if err != nil {
		return nil, err
	}
	return append(decoded, tail...), nil
}

// CompressForLink applies token compression and then an lz4 pass on
// top when that shrinks the result further; the engine applies it to
// every outgoing manifest, whatever the link. The first output byte
// is a format flag: 0 = token-compressed (or original) bytes follow
// directly; 1 = lz4-compressed token-compressed bytes follow, prefixed
// by a 4-byte little-endian original length.
func CompressForLink(manifest []byte) ([]byte, error) {
	tokenForm := Compress(manifest)

	var lz4Buf bytes.Buffer
	w := lz4.NewWriter(&lz4Buf)
	if _, err := w.Write(tokenForm); err != nil {
		return nil, ecode.Wrap(err, "manifestcodec: lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, ecode.Wrap(err, "manifestcodec: lz4 close")
	}

	if lz4Buf.Len()+5 >= len(tokenForm)+1 {
		out := make([]byte, 0, len(tokenForm)+1)
		out = append(out, 0)
		out = append(out, tokenForm...)
		return out, nil
	}

	out := make([]byte, 0, lz4Buf.Len()+5)
	out = append(out, 1)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(tokenForm)))
	out = append(out, lenBuf[:]...)
	out = append(out, lz4Buf.Bytes()...)
	return out, nil
}

// DecompressFromLink is the inverse of CompressForLink.
func DecompressFromLink(wire []byte) ([]byte, error) {
	if len(wire) == 0 {
		return nil, ecode.Wrap(ecode.ErrMalformedField, "manifestcodec: empty link payload")
	}
	switch wire[0] {
	case 0:
		return Decompress(wire[1:])
	case 1:
		if len(wire) < 5 {
			return nil, ecode.Wrap(ecode.ErrMalformedField, "manifestcodec: truncated lz4 header")
		}
		origLen := binary.LittleEndian.Uint32(wire[1:5])
		tokenForm := make([]byte, origLen)
		r := lz4.NewReader(bytes.NewReader(wire[5:]))
		if _, err := io.ReadFull(r, tokenForm); err != nil {
			return nil, ecode.Wrap(err, "manifestcodec: lz4 decompress")
		}
		return Decompress(tokenForm)
	default:
		return nil, ecode.Wrap(ecode.ErrMalformedField, "manifestcodec: unknown link format flag %d", wire[0])
	}
}
