package hfale_test

import (
	"io"
	"testing"

	"github.com/servalproject/lbard-go/internal/radio/hfale"
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

func TestDetectRecognizesBarrettBanner(t *testing.T) {
	p := &pipe{toRead: []byte("ALE LINKED\r\n")}
	ok, err := hfale.Detect(p, hfale.Barrett)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !ok {
		t.Fatalf("expected Barrett banner to be recognized")
	}
	if string(p.writes[0]) != "AILSTAT\r\n" {
		t.Fatalf("unexpected probe command: %q", p.writes[0])
	}
}

func TestDetectRecognizesCodanBanner(t *testing.T) {
	p := &pipe{toRead: []byte("CODAN HF\r\n")}
	ok, err := hfale.Detect(p, hfale.Codan)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !ok {
		t.Fatalf("expected Codan banner to be recognized")
	}
}

func TestDetectRejectsUnrecognizedDevice(t *testing.T) {
	p := &pipe{toRead: []byte("garbage\r\n")}
	ok, err := hfale.Detect(p, hfale.Barrett)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if ok {
		t.Fatalf("expected unrecognized banner to not match")
	}
}

func linkedDriver(p *pipe) *hfale.Driver {
	d := hfale.New(p, hfale.Barrett, 'A', nil, nil)
	if _, err := d.ReceiveBytes([]byte("ALE-LINK\r\n")); err != nil {
		panic(err)
	}
	return d
}

func TestSendPacketHonorsPieceHint(t *testing.T) {
	p := &pipe{}
	d := linkedDriver(p)
	d.SetPieceHint(4)
	payload := make([]byte, 40)
	if err := d.SendPacket(payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if len(p.writes) != 4 {
		t.Fatalf("expected 4 AMD pieces with a hint of 4, got %d", len(p.writes))
	}
}

func TestSendPacketDefaultPieceCountIgnoresHintWhenUnset(t *testing.T) {
	p := &pipe{}
	d := linkedDriver(p)
	payload := make([]byte, 40)
	if err := d.SendPacket(payload); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if len(p.writes) != 1 {
		t.Fatalf("expected a single piece for a 40-byte payload, got %d", len(p.writes))
	}
}
