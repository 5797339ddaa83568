// Package lora implements the LoRa module driver:
// hex-text-line framing over an AT-style command serial interface
// (RN2483/RN2903 "mac pause" / "radio tx" / "radio rx 0" command
// shape).
package lora

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/servalproject/lbard-go/internal/ecode"
	"github.com/servalproject/lbard-go/internal/fec"
	"github.com/servalproject/lbard-go/internal/radio"
)

// MaxPacketSize is LoRa's single-frame payload ceiling. SendPacket
// receives the already FEC-wrapped codeword (payload + Reed-Solomon
// parity), so the cap is the codeword length, not the 223-byte
// pre-FEC body budget.
const MaxPacketSize = fec.CodewordLen

// RXWindowRefresh is how often the driver reissues "radio rx 0" to
// keep the module listening (LoRa modules drop back to idle after one
// receive window unless told to keep listening).
const RXWindowRefresh = 2 * time.Second

// Driver implements radio.Driver for an RN2483/RN2903-class LoRa modem.
type Driver struct {
	w radio.ReadWriter

	rxBuf        []byte
	lastRXRearm  time.Time
	rssi         radio.RSSIHistory
}

// New wraps an already-configured LoRa serial connection (the caller
// is responsible for the one-time radio set parameters at startup;
// this driver only handles steady-state framing, issuing "mac pause"
// before every transmit).
func New(w radio.ReadWriter) *Driver {
	return &Driver{w: w}
}

func (d *Driver) Name() string { return "lora" }

func (d *Driver) ReadyToSend() bool { return true }

// Detect probes for an RN2483/RN2903-class modem by requesting its
// system version string.
func Detect(w radio.ReadWriter) (bool, error) {
	if _, err := w.Write([]byte("sys get ver\r\n")); err != nil {
		return false, ecode.Wrap(ecode.ErrRadioTransient, "lora: probe write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := w.Read(buf)
	if err != nil {
		return false, nil
	}
	return bytes.Contains(buf[:n], []byte("RN2")), nil
}

// ServiceTick reissues "radio rx 0" on the refresh interval so the
// modem keeps listening.
func (d *Driver) ServiceTick(now time.Time) {
	if now.Sub(d.lastRXRearm) < RXWindowRefresh {
		return
	}
	d.lastRXRearm = now
	d.w.Write([]byte("radio rx 0\r\n"))
}

// ReceiveBytes buffers raw bytes and extracts whole "radio_rx  <hex>\r\n"
// lines, hex-decoding each into a received packet.
func (d *Driver) ReceiveBytes(buf []byte) ([]radio.ReceivedPacket, error) {
	d.rxBuf = append(d.rxBuf, buf...)
	var out []radio.ReceivedPacket
	for {
		idx := bytes.IndexByte(d.rxBuf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(d.rxBuf[:idx])
		d.rxBuf = d.rxBuf[idx+1:]

		const prefix = "radio_rx  "
		trimmed := bytes.TrimPrefix(line, []byte(prefix))
		if len(trimmed) == len(line) {
			continue // not a data line (e.g. "radio_tx_ok", "busy")
		}
		decoded, err := hex.DecodeString(string(trimmed))
		if err != nil {
			return out, ecode.Wrap(ecode.ErrMalformedField, "lora: bad hex in radio_rx line: %v", err)
		}
		out = append(out, radio.ReceivedPacket{Data: decoded, RSSI: d.rssi.Average()})
	}
	return out, nil
}

// SendPacket pauses MAC duty-cycling, transmits payload as a hex text
// line, then re-arms the receive window.
func (d *Driver) SendPacket(payload []byte) error {
	if len(payload) > MaxPacketSize {
		return ecode.Wrap(ecode.ErrBundleTooLarge, "lora: packet of %d bytes exceeds %d", len(payload), MaxPacketSize)
	}
	if _, err := d.w.Write([]byte("mac pause\r\n")); err != nil {
		return ecode.Wrap(ecode.ErrRadioTransient, "lora: mac pause: %v", err)
	}
	cmd := fmt.Sprintf("radio tx %s\r\n", hex.EncodeToString(payload))
	if _, err := d.w.Write([]byte(cmd)); err != nil {
		return ecode.Wrap(ecode.ErrRadioTransient, "lora: radio tx: %v", err)
	}
	if _, err := d.w.Write([]byte("radio rx 0\r\n")); err != nil {
		return ecode.Wrap(ecode.ErrRadioTransient, "lora: re-arming rx: %v", err)
	}
	d.lastRXRearm = time.Now()
	return nil
}

// RecordRSSI feeds a caller-supplied signal-strength sample into the
// rolling history; ReceiveBytes stamps packets with its average and
// does not itself extract RSSI from the "radio_rx" lines.
func (d *Driver) RecordRSSI(rssi int) { d.rssi.Add(rssi) }
