package lora_test

import (
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/servalproject/lbard-go/internal/radio/lora"
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

func TestSendPacketFramesAsMacPauseThenHexThenRearm(t *testing.T) {
	p := &pipe{}
	d := lora.New(p)
	if err := d.SendPacket([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("SendPacket: %v", err)
	}
	if len(p.writes) != 3 {
		t.Fatalf("expected 3 writes (pause, tx, rearm), got %d", len(p.writes))
	}
	if string(p.writes[0]) != "mac pause\r\n" {
		t.Fatalf("expected mac pause first, got %q", p.writes[0])
	}
	if string(p.writes[1]) != "radio tx 010203\r\n" {
		t.Fatalf("unexpected tx command: %q", p.writes[1])
	}
	if string(p.writes[2]) != "radio rx 0\r\n" {
		t.Fatalf("expected rx rearm last, got %q", p.writes[2])
	}
}

func TestSendPacketRejectsOversize(t *testing.T) {
	d := lora.New(&pipe{})
	big := make([]byte, lora.MaxPacketSize+1)
	if err := d.SendPacket(big); err == nil {
		t.Fatalf("expected error for oversized packet")
	}
}

func TestReceiveBytesParsesRadioRxLine(t *testing.T) {
	d := lora.New(&pipe{})
	payload := []byte{0xAA, 0xBB, 0xCC}
	line := "radio_rx  " + hex.EncodeToString(payload) + "\r\n"
	pkts, err := d.ReceiveBytes([]byte(line))
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(pkts))
	}
	if string(pkts[0].Data) != string(payload) {
		t.Fatalf("unexpected payload: %x", pkts[0].Data)
	}
}

func TestReceiveBytesIgnoresNonDataLines(t *testing.T) {
	d := lora.New(&pipe{})
	pkts, err := d.ReceiveBytes([]byte("radio_tx_ok\r\nbusy\r\n"))
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if len(pkts) != 0 {
		t.Fatalf("expected no packets from status lines, got %d", len(pkts))
	}
}

func TestServiceTickReissuesRxAfterRefreshInterval(t *testing.T) {
	p := &pipe{}
	d := lora.New(p)
	t0 := time.Now()
	d.ServiceTick(t0)
	if len(p.writes) != 1 {
		t.Fatalf("expected first tick to re-arm rx, got %d writes", len(p.writes))
	}
	d.ServiceTick(t0.Add(time.Second))
	if len(p.writes) != 1 {
		t.Fatalf("expected no re-arm before refresh interval elapses, got %d writes", len(p.writes))
	}
	d.ServiceTick(t0.Add(3 * time.Second))
	if len(p.writes) != 2 {
		t.Fatalf("expected re-arm after refresh interval, got %d writes", len(p.writes))
	}
}
