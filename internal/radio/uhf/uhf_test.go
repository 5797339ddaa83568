package uhf_test

import (
	"io"
	"testing"

	"github.com/servalproject/lbard-go/internal/radio/uhf"
)

type pipe struct {
	writes [][]byte
	toRead []byte
}

func (p *pipe) Write(b []byte) (int, error) {
	cp := append([]byte{}, b...)
	p.writes = append(p.writes, cp)
	return len(b), nil
}

func (p *pipe) Read(b []byte) (int, error) {
	if len(p.toRead) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.toRead)
	p.toRead = p.toRead[n:]
	return n, nil
}

func TestSendPacketThenReceiveBytesRoundTripsEscapedFrame(t *testing.T) {
	p := &pipe{}
	d := uhf.New(p)
	payload := []byte{0x01, '!', 0x02, '!', '!', 0x03}

	if err := d.SendPacket(payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if len(p.writes) != 1 {
		t.Fatalf("expected a single framed write, got %d", len(p.writes))
	}
	framed := p.writes[0]

	other := uhf.New(&pipe{})
	pkts, err := other.ReceiveBytes(framed)
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected 1 reassembled packet, got %d", len(pkts))
	}
	if string(pkts[0].Data) != string(payload) {
		t.Fatalf("unescaped payload mismatch: got %x, want %x", pkts[0].Data, payload)
	}
}

func TestReceiveBytesWaitsOnIncompleteEscapeSequence(t *testing.T) {
	d := uhf.New(&pipe{})
	pkts, err := d.ReceiveBytes([]byte{0x01, 0x02, '!'})
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if len(pkts) != 0 {
		t.Fatalf("expected no packets from a trailing unterminated escape, got %d", len(pkts))
	}

	pkts, err = d.ReceiveBytes([]byte{'!'})
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected the commit marker completed across calls to yield 1 packet, got %d", len(pkts))
	}
	if string(pkts[0].Data) != "\x01\x02" {
		t.Fatalf("unexpected payload: %x", pkts[0].Data)
	}
}

func TestReceiveBytesUsesHardwareTrailerFastPath(t *testing.T) {
	d := uhf.New(&pipe{})
	payload := []byte{0x10, 0x11, '!', 0x12} // an escape byte here must NOT be unescaped
	frame := append(append([]byte{}, payload...), 0xAA, 0x55)

	pkts, err := d.ReceiveBytes(frame)
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected 1 packet via the hardware trailer, got %d", len(pkts))
	}
	if string(pkts[0].Data) != string(payload) {
		t.Fatalf("hardware-trailer frame mismatch: got %x, want %x", pkts[0].Data, payload)
	}
}

func TestReceiveBytesPrefersHardwareTrailerOverEscapeScan(t *testing.T) {
	d := uhf.New(&pipe{})
	// A buffer containing both a hardware trailer and a later "!!" commit
	// marker: the trailer-delimited frame must be extracted first.
	buf := []byte{0x01, 0xAA, 0x55, 0x02, '!', '!'}

	pkts, err := d.ReceiveBytes(buf)
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if len(pkts) != 2 {
		t.Fatalf("expected 2 packets (one per framing style), got %d", len(pkts))
	}
	if string(pkts[0].Data) != "\x01" {
		t.Fatalf("unexpected first packet: %x", pkts[0].Data)
	}
	if string(pkts[1].Data) != "\x02" {
		t.Fatalf("unexpected second packet: %x", pkts[1].Data)
	}
}

func TestSendPacketRejectsOversize(t *testing.T) {
	d := uhf.New(&pipe{})
	big := make([]byte, uhf.MaxPacketSize+1)
	if err := d.SendPacket(big); err == nil {
		t.Fatalf("expected error for oversized packet")
	}
}
