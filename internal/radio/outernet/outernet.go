// Package outernet implements a one-way satellite uplink driver:
// packets are sent over UDP to a configured receiver host:port, with
// five independent "uplink lanes" binned by bundle size so small
// urgent bundles aren't starved behind a large one.
package outernet

import (
	"net"
	"time"

	"github.com/servalproject/lbard-go/internal/ecode"
	"github.com/servalproject/lbard-go/internal/radio"
)

// LaneCount is the number of size-binned lanes a bundle can land in.
const LaneCount = 5

var laneThresholds = [LaneCount - 1]uint64{1024, 4096, 16384, 65536}

// LaneFor returns the uplink lane index (0..LaneCount-1) a bundle of
// the given length is binned into.
func LaneFor(bundleLen uint64) int {
	for i, threshold := range laneThresholds {
		if bundleLen < threshold {
			return i
		}
	}
	return LaneCount - 1
}

// Lane tracks one size class's independent transmit cursor, so
// progress on one lane never blocks another.
type Lane struct {
	BIDPrefix  [8]byte
	Version    uint64
	NextOffset uint64
}

// PacketConn is the minimal net.PacketConn surface this driver needs;
// satisfied by *net.UDPConn or a fake in tests.
type PacketConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Driver sends framed LBARD packets as UDP datagrams to one configured
// receiver. There is no return channel: Outernet is a one-way
// broadcast uplink, so ReceiveBytes/ReadyToSend are degenerate.
type Driver struct {
	conn PacketConn
	dest net.Addr

	lanes [LaneCount]Lane
}

// New constructs a driver that sends to dest over conn.
func New(conn PacketConn, dest net.Addr) *Driver {
	return &Driver{conn: conn, dest: dest}
}

func (d *Driver) Name() string { return "outernet" }

// ReadyToSend is always true: Outernet is a one-way fire-and-forget
// uplink with no shared-channel contention to arbitrate.
func (d *Driver) ReadyToSend() bool { return true }

func (d *Driver) ServiceTick(now time.Time) {}

// ReceiveBytes is a no-op: the uplink has no downlink path.
func (d *Driver) ReceiveBytes(buf []byte) ([]radio.ReceivedPacket, error) {
	return nil, nil
}

// SendPacket transmits payload as a single UDP datagram to the
// configured destination.
func (d *Driver) SendPacket(payload []byte) error {
	if _, err := d.conn.WriteTo(payload, d.dest); err != nil {
		return ecode.Wrap(ecode.ErrRadioTransient, "outernet: write: %v", err)
	}
	return nil
}

// LaneCursor returns the current lane state for bundleLen's size
// class, allocating/reassigning it to (bidPrefix, version) if the lane
// was tracking a different bundle.
func (d *Driver) LaneCursor(bidPrefix [8]byte, version uint64, bundleLen uint64) *Lane {
	l := &d.lanes[LaneFor(bundleLen)]
	if l.BIDPrefix != bidPrefix || l.Version != version {
		l.BIDPrefix = bidPrefix
		l.Version = version
		l.NextOffset = 0
	}
	return l
}

// AdvanceLane records that bytes up to newOffset have been sent on
// bundleLen's lane.
func (d *Driver) AdvanceLane(bundleLen uint64, newOffset uint64) {
	l := &d.lanes[LaneFor(bundleLen)]
	if newOffset > l.NextOffset {
		l.NextOffset = newOffset
	}
}
