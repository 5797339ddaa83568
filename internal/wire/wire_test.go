package wire_test

import (
	"bytes"
	"testing"

	"github.com/servalproject/lbard-go/internal/wire"
)

func mustCompose(t *testing.T, h wire.Header, fields []wire.Field) []byte {
	t.Helper()
	b, err := wire.Compose(h, fields, 1024)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	return b
}

func TestRoundTripAllFieldTypes(t *testing.T) {
	h := wire.Header{SIDPrefix: [6]byte{1, 2, 3, 4, 5, 6}, MsgCounter: 42, Retransmit: true}
	fields := []wire.Field{
		wire.TimeField{Stratum: 1, Seconds: 1700000000, Microseconds: 123456},
		wire.GenerationField{GenerationID: 0xCAFEBABE},
		wire.SyncField{Records: bytes.Repeat([]byte{0xAB}, 10)},
		wire.LengthField{BIDPrefix: [8]byte{1, 1, 1, 1, 1, 1, 1, 1}, Version: 7, Length: 999},
		wire.FragmentField{Kind: wire.FragBody, BIDPrefix: [8]byte{2, 2, 2, 2, 2, 2, 2, 2}, Version: 1, StartOffset: 100, EndOfStream: false, Payload: []byte("hello")},
		wire.RequestField{BIDPrefix: [8]byte{3, 3, 3, 3, 3, 3, 3, 3}, RequestedOffset: 55, IsManifest: true},
		wire.AckField{BIDPrefix: [8]byte{4, 4, 4, 4, 4, 4, 4, 4}, ManifestOffset: 10, BodyOffset: 2000},
		wire.BARField{BIDPrefix: [8]byte{5, 5, 5, 5, 5, 5, 5, 5}, Version: 3, RecipientPrefix: [4]byte{6, 6, 6, 6}, SizeClass: 2},
		wire.BitmapReportField{BIDPrefix: [8]byte{7, 7, 7, 7, 7, 7, 7, 7}, BitmapStart: 64, ManifestBitmap: [2]byte{0xFF, 0x01}},
	}

	data := mustCompose(t, h, fields)
	gotH, gotFields, err := wire.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if gotH != h {
		t.Fatalf("header mismatch: got %+v want %+v", gotH, h)
	}
	if len(gotFields) != len(fields) {
		t.Fatalf("field count mismatch: got %d want %d", len(gotFields), len(fields))
	}
}

func TestFragmentExtendedOffsetAtBoundary(t *testing.T) {
	small := wire.FragmentField{Kind: wire.FragManifest, StartOffset: wire.LargeOffsetThreshold, Payload: []byte("x")}
	if small.Type() != wire.TypeManifestFrag {
		t.Fatalf("at threshold should use lowercase form, got %q", small.Type())
	}
	big := wire.FragmentField{Kind: wire.FragManifest, StartOffset: wire.LargeOffsetThreshold + 1, Payload: []byte("x")}
	if big.Type() != wire.TypeManifestFragFinal {
		t.Fatalf("past threshold should use uppercase/extended form, got %q", big.Type())
	}
	if big.EncodedLen()-len(big.Payload) != 25 {
		t.Fatalf("extended fragment header should be 25 bytes, got %d", big.EncodedLen()-len(big.Payload))
	}
	if small.EncodedLen()-len(small.Payload) != 23 {
		t.Fatalf("base fragment header should be 23 bytes, got %d", small.EncodedLen()-len(small.Payload))
	}
}

func TestFragmentEndOfStreamFlagRoundTrips(t *testing.T) {
	h := wire.Header{SIDPrefix: [6]byte{9, 9, 9, 9, 9, 9}}
	f := wire.FragmentField{Kind: wire.FragBody, StartOffset: 1 << 21, EndOfStream: true, Payload: []byte("tail")}
	data := mustCompose(t, h, []wire.Field{f})
	_, got, err := wire.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	gotFrag := got[0].(wire.FragmentField)
	if !gotFrag.EndOfStream {
		t.Fatalf("end-of-stream flag did not round-trip")
	}
	if gotFrag.StartOffset != f.StartOffset {
		t.Fatalf("offset mismatch: got %d want %d", gotFrag.StartOffset, f.StartOffset)
	}
}

func TestUnknownFieldAbortsButKeepsEarlierFields(t *testing.T) {
	h := wire.Header{SIDPrefix: [6]byte{1, 1, 1, 1, 1, 1}}
	good := mustCompose(t, h, []wire.Field{wire.GenerationField{GenerationID: 5}})
	// Append a bogus type byte the dispatch table doesn't know.
	corrupted := append(good, 'Z', 0, 0, 0)

	gotH, gotFields, err := wire.Parse(corrupted)
	if err == nil {
		t.Fatalf("expected error for unknown field type")
	}
	if gotH != h {
		t.Fatalf("header should still be returned on partial parse")
	}
	if len(gotFields) != 1 {
		t.Fatalf("expected the one well-formed field preserved, got %d", len(gotFields))
	}
	if gotFields[0].(wire.GenerationField).GenerationID != 5 {
		t.Fatalf("preserved field content mismatch")
	}
}

func TestComposeRejectsOversizePacket(t *testing.T) {
	h := wire.Header{}
	f := wire.GenerationField{}
	_, err := wire.Compose(h, []wire.Field{f}, 4)
	if err == nil {
		t.Fatalf("expected oversize error")
	}
}
