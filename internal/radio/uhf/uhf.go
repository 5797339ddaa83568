// Package uhf implements the RFD900-style UHF CSMA driver (spec
// §4.6-§4.7): a "!."-escaped envelope with a trailing "!!" commit
// marker for framing outgoing packets, and (when the modem's own
// packet mode supplies one) a trailing 0xAA 0x55 marker the core uses
// directly as the received frame's length signal instead of scanning
// for the escape sequence.
package uhf

import (
	"bytes"
	"time"

	"github.com/servalproject/lbard-go/internal/ecode"
	"github.com/servalproject/lbard-go/internal/fec"
	"github.com/servalproject/lbard-go/internal/radio"
)

// MaxPacketSize is the RFD900 single-frame limit. SendPacket receives
// the already FEC-wrapped codeword (payload + Reed-Solomon parity),
// not the bare payload, so the cap is the codeword length rather than
// the 223-byte pre-FEC body budget.
const MaxPacketSize = fec.CodewordLen

var hardwareTrailer = []byte{0xAA, 0x55}

// Driver implements radio.Driver for a UHF CSMA link.
type Driver struct {
	w      radio.ReadWriter
	rxBuf  []byte
	rssi   radio.RSSIHistory
	lastRX time.Time
}

// New wraps an already-detected UHF serial connection.
func New(w radio.ReadWriter) *Driver {
	return &Driver{w: w}
}

func (d *Driver) Name() string { return "uhf" }

// Detect probes for an RFD900-style modem by requesting its banner
// and checking for a recognizable prompt. Real hardware interrogation
// (AT command mode entry) is driver/vendor-specific and out of scope
// here; this performs the structural probe-and-timeout shape the
// other drivers share.
func Detect(w radio.ReadWriter) (bool, error) {
	if _, err := w.Write([]byte("ATI\r\n")); err != nil {
		return false, ecode.Wrap(ecode.ErrRadioTransient, "uhf: probe write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := w.Read(buf)
	if err != nil {
		return false, nil // no response: not a UHF modem, not an error
	}
	return bytes.Contains(buf[:n], []byte("RFD")), nil
}

func (d *Driver) ServiceTick(now time.Time) { d.lastRX = now }

func (d *Driver) ReadyToSend() bool { return true } // UHF is CSMA, not TDMA-gated

// ReceiveBytes pushes newly read bytes into the driver's buffer and
// extracts whole packets. It first looks for the hardware 0xAA 0x55
// trailer (the modem's own packet-mode framing); if none is present
// it falls back to scanning for an escaped "!!" commit marker.
func (d *Driver) ReceiveBytes(buf []byte) ([]radio.ReceivedPacket, error) {
	d.rxBuf = append(d.rxBuf, buf...)
	var out []radio.ReceivedPacket

	for {
		if idx := bytes.Index(d.rxBuf, hardwareTrailer); idx >= 0 {
			frame := d.rxBuf[:idx]
			d.rxBuf = d.rxBuf[idx+len(hardwareTrailer):]
			out = append(out, radio.ReceivedPacket{Data: append([]byte{}, frame...), RSSI: d.rssi.Average()})
			continue
		}
		frame, rest, ok := extractEscapedFrame(d.rxBuf)
		if !ok {
			break
		}
		d.rxBuf = rest
		out = append(out, radio.ReceivedPacket{Data: frame, RSSI: d.rssi.Average()})
	}
	return out, nil
}

// extractEscapedFrame finds the first "!!" commit marker not preceded
// by an odd number of escape bytes, and returns the unescaped frame
// before it plus whatever remains in buf after the marker.
func extractEscapedFrame(buf []byte) (frame, rest []byte, ok bool) {
	var unescaped bytes.Buffer
	for i := 0; i < len(buf); i++ {
		if buf[i] != '!' {
			unescaped.WriteByte(buf[i])
			continue
		}
		if i+1 >= len(buf) {
			return nil, buf, false // incomplete escape sequence, wait for more bytes
		}
		switch buf[i+1] {
		case '.':
			unescaped.WriteByte('!')
			i++
		case '!':
			return unescaped.Bytes(), buf[i+2:], true
		default:
			unescaped.WriteByte(buf[i])
		}
	}
	return nil, buf, false
}

// SendPacket frames payload with the "!."-escape envelope and a
// trailing "!!" commit.
func (d *Driver) SendPacket(payload []byte) error {
	if len(payload) > MaxPacketSize {
		return ecode.Wrap(ecode.ErrBundleTooLarge, "uhf: packet of %d bytes exceeds %d", len(payload), MaxPacketSize)
	}
	var framed bytes.Buffer
	for _, b := range payload {
		if b == '!' {
			framed.WriteByte('!')
			framed.WriteByte('.')
		} else {
			framed.WriteByte(b)
		}
	}
	framed.WriteByte('!')
	framed.WriteByte('!')

	if _, err := d.w.Write(framed.Bytes()); err != nil {
		return ecode.Wrap(ecode.ErrRadioTransient, "uhf: send: %v", err)
	}
	return nil
}

// RecordRSSI feeds a signal-strength sample read from the modem's
// status line into the rolling history used for link-quality display.
func (d *Driver) RecordRSSI(rssi int) { d.rssi.Add(rssi) }
