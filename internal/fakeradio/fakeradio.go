// Package fakeradio is an in-process radio simulator used by tests: a
// shared broadcast medium connecting any number of radio.Driver-compatible
// nodes, with optional uniform packet loss.
package fakeradio

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/servalproject/lbard-go/internal/radio"
)

// Medium is a shared broadcast channel: every packet any node sends is
// delivered to every other node, except those dropped by LossProb.
type Medium struct {
	nodes    []*Driver
	LossProb float64
	rng      *rand.Rand
}

// NewMedium constructs a medium with the given uniform packet-loss
// probability (0 = lossless) and a deterministic RNG seed for
// reproducible tests.
func NewMedium(lossProb float64, seed int64) *Medium {
	return &Medium{LossProb: lossProb, rng: rand.New(rand.NewSource(seed))}
}

// NewNode registers and returns a new simulated radio attached to the
// medium.
func (m *Medium) NewNode() *Driver {
	d := &Driver{medium: m, id: len(m.nodes)}
	m.nodes = append(m.nodes, d)
	return d
}

func (m *Medium) broadcast(senderID int, payload []byte) {
	for i, n := range m.nodes {
		if i == senderID {
			continue
		}
		if m.LossProb > 0 && m.rng.Float64() < m.LossProb {
			continue
		}
		cp := append([]byte{}, payload...)
		n.inbox = append(n.inbox, radio.ReceivedPacket{Data: cp, RSSI: -40})
	}
}

// Driver implements radio.Driver against a shared Medium. It carries
// no byte-level framing of its own: ReceiveBytes ignores its argument
// and simply drains whatever the medium has queued for this node since
// the last call, mirroring a driver whose envelope framing has already
// been stripped by the modem.
type Driver struct {
	medium *Medium
	id     int
	inbox  []radio.ReceivedPacket
}

func (d *Driver) Name() string { return fmt.Sprintf("fake-%d", d.id) }

func (d *Driver) ServiceTick(now time.Time) {}

func (d *Driver) ReadyToSend() bool { return true }

// ReceiveBytes drains the simulated inbox. buf is ignored: the medium
// delivers whole packets directly rather than a raw byte stream.
func (d *Driver) ReceiveBytes(buf []byte) ([]radio.ReceivedPacket, error) {
	out := d.inbox
	d.inbox = nil
	return out, nil
}

// SendPacket broadcasts payload to every other node on the medium.
func (d *Driver) SendPacket(payload []byte) error {
	d.medium.broadcast(d.id, payload)
	return nil
}
