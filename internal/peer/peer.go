// Package peer implements the per-peer transmit queue and
// acknowledgement handling: exactly one "current" tx
// bundle per peer plus a FIFO of upcoming ones, admission by intrinsic
// priority, and advancement on acknowledgement.
package peer

import (
	"math/rand"
	"time"

	"github.com/servalproject/lbard-go/internal/radio"
	"github.com/servalproject/lbard-go/internal/synctree"
	"github.com/servalproject/lbard-go/internal/wire"
)

// MaxPeers bounds the peer table.
const MaxPeers = 256

// BundleRef names an in-flight transmit candidate for a peer.
type BundleRef struct {
	BIDPrefix     [8]byte
	Version       uint64
	Length        uint64
	RecipientSID  [6]byte // zero value means broadcast/no specific recipient
	IsMeshMSLike  bool    // service is "MeshMS*"
}

// Priority computes the intrinsic priority of offering bundle b to a
// peer whose SID prefix is peerSID. Higher is more
// urgent. Shorter bundles and messaging-service bundles are preferred
// over large, generic ones; an exact recipient match is decisive.
func Priority(b BundleRef, peerSID [6]byte) int {
	score := 0
	if b.RecipientSID != ([6]byte{}) && b.RecipientSID == peerSID {
		score += 1000
	}
	if b.IsMeshMSLike {
		score += 200
	}
	// Smaller bundles finish (and stop consuming airtime) sooner;
	// reward them with a bounded bonus so a single huge bundle can't
	// permanently starve everything behind it.
	switch {
	case b.Length < 4096:
		score += 100
	case b.Length < 65536:
		score += 50
	case b.Length < 1<<20:
		score += 10
	}
	return score
}

type queueEntry struct {
	bundle   BundleRef
	priority int
}

// Peer is one remote node's transmit state.
type Peer struct {
	SIDPrefix    [6]byte
	GenerationID uint32
	LastSeen     time.Time

	TxBundle       *BundleRef
	txPriority     int
	ManifestOffset uint16
	BodyOffset     uint32

	queue []queueEntry

	// RSSI is the rolling received-signal-strength history for packets
	// heard from this peer.
	RSSI radio.RSSIHistory
	// MissedPacketCount is shown on the status page and cleared on a
	// generation change. The engine drops an FEC-uncorrectable packet
	// before its sender is known, so nothing increments it.
	MissedPacketCount int

	// SyncState is this peer's own sync-tree instance. Each peer gets an
	// independent tree so its per-node send/queued state doesn't get
	// confused with any other peer's — the engine seeds it with every
	// key we hold when the peer record is first created and replays new
	// keys into it as the store mirror learns them.
	SyncState *synctree.Tree
}

// New creates a peer record for the given SID prefix.
func New(sidPrefix [6]byte) *Peer {
	return &Peer{SIDPrefix: sidPrefix}
}

// ResetOnGenerationChange clears transmit state when the peer's
// generation id changes (it restarted), so stale offsets aren't
// applied to a rebuilt store.
func (p *Peer) ResetOnGenerationChange(newGen uint32) (changed bool) {
	if p.GenerationID == newGen {
		return false
	}
	p.GenerationID = newGen
	p.TxBundle = nil
	p.txPriority = 0
	p.ManifestOffset = 0
	p.BodyOffset = 0
	p.queue = nil
	p.MissedPacketCount = 0
	// SyncState is rebuilt by the engine (it alone knows the full set of
	// keys to reseed), not here: nil signals "needs a fresh tree".
	p.SyncState = nil
	return true
}

// Offer admits a bundle the sync layer has determined this peer is
// missing. It either displaces the current tx_bundle (pushing the
// displaced one onto the queue) when the new bundle's priority is
// strictly greater, or appends to the queue.
func (p *Peer) Offer(b BundleRef) {
	prio := Priority(b, p.SIDPrefix)
	if p.TxBundle == nil {
		p.TxBundle = &b
		p.txPriority = prio
		p.ManifestOffset = 0
		p.BodyOffset = 0
		return
	}
	if sameBundle(*p.TxBundle, b) {
		return
	}
	for _, e := range p.queue {
		if sameBundle(e.bundle, b) {
			return
		}
	}
	if prio > p.txPriority {
		displaced := queueEntry{bundle: *p.TxBundle, priority: p.txPriority}
		p.queue = append(p.queue, displaced)
		p.TxBundle = &b
		p.txPriority = prio
		p.ManifestOffset = 0
		p.BodyOffset = 0
		return
	}
	p.queue = append(p.queue, queueEntry{bundle: b, priority: prio})
}

func sameBundle(a, b BundleRef) bool {
	return a.BIDPrefix == b.BIDPrefix && a.Version == b.Version
}

// advance promotes the queue head into TxBundle, resetting offsets.
func (p *Peer) advance() {
	if len(p.queue) == 0 {
		p.TxBundle = nil
		p.txPriority = 0
		p.ManifestOffset = 0
		p.BodyOffset = 0
		return
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	b := head.bundle
	p.TxBundle = &b
	p.txPriority = head.priority
	p.ManifestOffset = 0
	p.BodyOffset = 0
}

// AckOutcome reports what ApplyAck did.
type AckOutcome int

const (
	AckIgnored AckOutcome = iota
	AckAdvancedOffsets
	AckCompletedCurrent
	AckRemovedFromQueue
)

// ApplyAck applies an acknowledgement/progress-report field (spec
// §4.4 "Acknowledgement parsing").
func (p *Peer) ApplyAck(a wire.AckField) AckOutcome {
	if p.TxBundle != nil && p.TxBundle.BIDPrefix == a.BIDPrefix {
		if uint64(a.ManifestOffset) >= 1024 && uint64(a.BodyOffset) >= p.TxBundle.Length {
			p.advance()
			return AckCompletedCurrent
		}
		p.ManifestOffset = a.ManifestOffset
		p.BodyOffset = a.BodyOffset
		return AckAdvancedOffsets
	}
	for i, e := range p.queue {
		if e.bundle.BIDPrefix == a.BIDPrefix {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return AckRemovedFromQueue
		}
	}
	return AckIgnored
}

// QueueLen reports the number of bundles waiting behind TxBundle.
func (p *Peer) QueueLen() int { return len(p.queue) }

// Table is the fixed-capacity (MaxPeers) set of known peers, keyed by
// SID prefix, with random replacement on overflow.
type Table struct {
	peers map[[6]byte]*Peer
	rng   *rand.Rand
}

// NewTable constructs an empty peer table. rng may be nil (defaults to
// a time-independent seed, deterministic for tests); callers that want
// real randomness should pass rand.New(rand.NewSource(seed)).
func NewTable(rng *rand.Rand) *Table {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Table{peers: make(map[[6]byte]*Peer), rng: rng}
}

// Get returns the peer for sidPrefix, creating it if necessary. If the
// table is already at MaxPeers, a random existing peer is evicted
// first to make room.
func (t *Table) Get(sidPrefix [6]byte) *Peer {
	p, ok := t.peers[sidPrefix]
	if ok {
		return p
	}
	if len(t.peers) >= MaxPeers {
		t.evictRandom()
	}
	p = New(sidPrefix)
	t.peers[sidPrefix] = p
	return p
}

// evictRandom drops one randomly chosen peer record to make room for a
// newly heard one.
func (t *Table) evictRandom() {
	if len(t.peers) == 0 {
		return
	}
	keys := make([][6]byte, 0, len(t.peers))
	for k := range t.peers {
		keys = append(keys, k)
	}
	delete(t.peers, keys[t.rng.Intn(len(keys))])
}

// Active returns every peer whose LastSeen is no older than maxAge
// relative to now, the candidate pool the scheduler picks a random
// active peer from each tick.
func (t *Table) Active(now time.Time, maxAge time.Duration) []*Peer {
	var out []*Peer
	for _, p := range t.peers {
		if now.Sub(p.LastSeen) <= maxAge {
			out = append(out, p)
		}
	}
	return out
}

// All returns every known peer, in no particular order.
func (t *Table) All() []*Peer {
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Len reports the number of known peers.
func (t *Table) Len() int { return len(t.peers) }
