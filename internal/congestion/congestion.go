// Package congestion implements the inter-packet interval controller:
// every four wall-clock seconds it looks at how many packets were seen
// on the channel versus a target occupancy, and tunes the gap between
// our own transmissions accordingly.
package congestion

import (
	"math/rand"
	"time"
)

// DefaultTarget approximates the desired channel occupancy in packets
// per four-second window.
const DefaultTarget = 15

const windowLength = 4 * time.Second

// minInterval is a floor applied after every adjustment so a string of
// multiplicative shrinks can never drive the interval to zero.
const minInterval = 25 * time.Millisecond

const maxInterval = 4000 * time.Millisecond

// Controller owns message_update_interval and the rolling packet
// counters used to retune it.
type Controller struct {
	Target int

	Interval time.Duration

	windowStart      time.Time
	packetsSeen      int // packets from peers, seen this window
	packetsByUs      int // packets we sent this window
	silentWindows    int

	// ActivePeers returns the current count of active peers, used for
	// the per-peer minimum-interval floor.
	ActivePeers func() int

	// ResetRadio is invoked after four consecutive windows with no
	// peer transmissions at all, to defend against a wedged driver.
	ResetRadio func()
}

// New constructs a controller with the default target and a
// conservative starting interval.
func New(target int) *Controller {
	if target <= 0 {
		target = DefaultTarget
	}
	return &Controller{Target: target, Interval: 200 * time.Millisecond}
}

// RecordPeerPacket notes a packet heard from a peer on the channel; our
// own transmissions are counted separately by RecordOwnPacket.
func (c *Controller) RecordPeerPacket() { c.packetsSeen++ }

// RecordOwnPacket notes a packet we transmitted.
func (c *Controller) RecordOwnPacket() { c.packetsByUs++ }

// MaybeTick runs the window evaluation if windowLength has elapsed
// since the last one (or since construction), and resets the counters.
// Callers invoke this once per main-loop pass; it is a no-op between
// window boundaries.
func (c *Controller) MaybeTick(now time.Time) {
	if c.windowStart.IsZero() {
		c.windowStart = now
		return
	}
	if now.Sub(c.windowStart) < windowLength {
		return
	}
	c.evaluate()
	c.packetsSeen = 0
	c.packetsByUs = 0
	c.windowStart = now
}

func (c *Controller) evaluate() {
	if c.packetsSeen == 0 {
		c.Interval = 1000 * time.Millisecond
		c.silentWindows++
		if c.silentWindows >= 4 && c.ResetRadio != nil {
			c.ResetRadio()
			c.silentWindows = 0
		}
		return
	}
	c.silentWindows = 0

	ratio := float64(c.packetsSeen+c.packetsByUs) / float64(c.Target)

	switch {
	case ratio < 0.25:
		c.Interval /= 2
	case ratio < 0.95:
		if c.packetsByUs > c.packetsSeen {
			// we already dominate the channel; never shrink further.
			break
		}
		var sub time.Duration
		switch {
		case ratio < 0.5:
			sub = 50 * time.Millisecond
		case ratio < 0.75:
			sub = 20 * time.Millisecond
		default:
			sub = 10 * time.Millisecond
		}
		c.Interval -= sub
		if floor := c.perPeerFloor(); c.Interval < floor {
			c.Interval = floor
		}
	case ratio <= 1.0:
		// no change
	default:
		c.Interval = time.Duration(float64(c.Interval) * (ratio + 0.4))
		if c.Interval > maxInterval {
			c.Interval = maxInterval
		}
	}

	if c.Interval < minInterval {
		c.Interval = minInterval
	}
}

func (c *Controller) perPeerFloor() time.Duration {
	active := 1
	if c.ActivePeers != nil {
		if n := c.ActivePeers(); n > 0 {
			active = n
		}
	}
	// 1000 / (target / active_peers) / 4 ms
	ms := 1000.0 / (float64(c.Target) / float64(active)) / 4.0
	return time.Duration(ms * float64(time.Millisecond))
}

// Jitter returns the packet-launch jitter to add uniformly on top of
// Interval: interval/4, with a 25 ms floor.
func (c *Controller) Jitter(rng *rand.Rand) time.Duration {
	j := c.Interval / 4
	if j < 25*time.Millisecond {
		j = 25 * time.Millisecond
	}
	if rng == nil {
		return j
	}
	return time.Duration(rng.Int63n(int64(j) + 1))
}
