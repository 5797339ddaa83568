// Package timesync implements the optional UDP time-sync broadcast: a
// 'T' stratum+seconds+microseconds payload broadcast on port 0x5401,
// applied by "slave" nodes only when a lower-stratum timestamp
// arrives, throttled to one correction per 20 seconds to avoid
// feedback.
package timesync

import (
	"encoding/binary"
	"time"

	"github.com/servalproject/lbard-go/internal/ecode"
)

// Port is the UDP port time-sync packets are broadcast on.
const Port = 0x5401

// TransitCompensation is added to a received timestamp to approximate
// wire/processing delay.
const TransitCompensation = 5 * time.Millisecond

// CorrectionThrottle bounds how often a slave applies a correction, to
// avoid feedback between rapid successive corrections.
const CorrectionThrottle = 20 * time.Second

// PacketLen is the wire length: 'T' + stratum(1) + seconds(8) + microseconds(3).
const PacketLen = 1 + 1 + 8 + 3

// Packet is one decoded time-sync broadcast.
type Packet struct {
	Stratum      uint8
	Seconds      uint64
	Microseconds uint32 // low 3 bytes used
}

// Encode serializes p to the wire format.
func Encode(p Packet) []byte {
	buf := make([]byte, PacketLen)
	buf[0] = 'T'
	buf[1] = p.Stratum
	binary.LittleEndian.PutUint64(buf[2:10], p.Seconds)
	var usbuf [4]byte
	binary.LittleEndian.PutUint32(usbuf[:], p.Microseconds)
	copy(buf[10:13], usbuf[:3])
	return buf
}

// Decode parses a received UDP datagram into a Packet.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < PacketLen {
		return Packet{}, ecode.Wrap(ecode.ErrMalformedField, "timesync: short packet (%d bytes)", len(buf))
	}
	if buf[0] != 'T' {
		return Packet{}, ecode.Wrap(ecode.ErrMalformedField, "timesync: bad leading byte %q", buf[0])
	}
	var p Packet
	p.Stratum = buf[1]
	p.Seconds = binary.LittleEndian.Uint64(buf[2:10])
	var usbuf [4]byte
	copy(usbuf[:3], buf[10:13])
	p.Microseconds = binary.LittleEndian.Uint32(usbuf[:])
	return p, nil
}

// AsTime converts a Packet's wall-clock fields (plus the fixed transit
// compensation) to a time.Time in UTC.
func (p Packet) AsTime() time.Time {
	return time.Unix(int64(p.Seconds), int64(p.Microseconds)*1000).UTC().Add(TransitCompensation)
}

// Corrector is the slave-mode clock-correction state machine: it only
// ever nudges an Offset value the caller applies to its own bookkeeping
// timers, and only when the incoming stratum is strictly better
// (lower) than ours, and not more often than CorrectionThrottle.
type Corrector struct {
	OurStratum     uint8
	Offset         time.Duration // cumulative correction applied so far
	lastCorrection time.Time
}

// NewCorrector constructs a slave-mode corrector starting at the given
// stratum; clocks are corrected only when running in slave mode.
func NewCorrector(ourStratum uint8) *Corrector {
	return &Corrector{OurStratum: ourStratum}
}

// Consider applies pkt as a correction if its stratum is lower than
// ours and the throttle window has elapsed, returning the delta that
// was applied (zero if no correction was made).
func (c *Corrector) Consider(pkt Packet, now time.Time, localTime time.Time) time.Duration {
	if pkt.Stratum >= c.OurStratum {
		return 0
	}
	if !c.lastCorrection.IsZero() && now.Sub(c.lastCorrection) < CorrectionThrottle {
		return 0
	}
	delta := pkt.AsTime().Sub(localTime)
	c.Offset += delta
	c.lastCorrection = now
	c.OurStratum = pkt.Stratum + 1
	return delta
}
