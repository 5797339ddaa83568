// Package reassembly implements the partial-reassembly engine: it
// turns a stream of manifest/body fragment messages from one or more
// peers into two contiguous byte streams per in-flight bundle, derives
// the progress bitmaps senders use to pick their next block, and hands
// completed (manifest, body) pairs off to the store.
//
// Segment bookkeeping is a sorted, eagerly-merged slice rather than a
// doubly-linked list of malloc'd segments — Go's slices and GC make
// the arena-and-indices dance unnecessary (see DESIGN.md).
package reassembly

import (
	"math/rand"
	"time"

	"github.com/servalproject/lbard-go/internal/ecode"
	"github.com/servalproject/lbard-go/internal/wire"
)

// MaxBundlesInFlight bounds the reassembly table.
const MaxBundlesInFlight = 16

const recentlyReceivedCap = 32

// segment is a half-open byte range [Start, End) known to be held.
type segment struct {
	start, end uint64
}

// stream holds one side (manifest or body) of an in-flight bundle.
type stream struct {
	length   *uint64
	data     []byte
	segments []segment
}

func (s *stream) ensureCap(n uint64) {
	if uint64(len(s.data)) < n {
		grown := make([]byte, n)
		copy(grown, s.data)
		s.data = grown
	}
}

// complete reports whether the stream's length is known and fully covered.
func (s *stream) complete() bool {
	return s.length != nil && len(s.segments) == 1 && s.segments[0].start == 0 && s.segments[0].end == *s.length
}

// firstMissingByte returns the smallest offset not covered by any
// segment.
func (s *stream) firstMissingByte() uint64 {
	var want uint64
	for _, seg := range s.segments {
		if seg.start > want {
			break
		}
		if seg.end > want {
			want = seg.end
		}
	}
	return want
}

// insert merges payload at start into the segment list, writing bytes
// into the backing buffer, and reports how many of those bytes were
// previously unheld.
func (s *stream) insert(start uint64, payload []byte) (newBytes int) {
	if len(payload) == 0 {
		return 0
	}
	end := start + uint64(len(payload))
	s.ensureCap(end)

	newSeg := segment{start: start, end: end}
	for i := start; i < end; i++ {
		idx := i - start
		covered := false
		for _, seg := range s.segments {
			if i >= seg.start && i < seg.end {
				covered = true
				break
			}
		}
		if !covered {
			newBytes++
		}
		s.data[i] = payload[idx]
	}

	merged := append([]segment{}, s.segments...)
	merged = append(merged, newSeg)
	s.segments = mergeSegments(merged)
	return newBytes
}

func mergeSegments(segs []segment) []segment {
	if len(segs) == 0 {
		return segs
	}
	// simple insertion sort: MAX_BUNDLES_IN_FLIGHT slots each hold a
	// handful of segments, so this never needs to scale.
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j-1].start > segs[j].start; j-- {
			segs[j-1], segs[j] = segs[j], segs[j-1]
		}
	}
	out := segs[:1]
	for _, s := range segs[1:] {
		last := &out[len(out)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
		} else {
			out = append(out, s)
		}
	}
	return out
}

// bitmap derives a 256-bit (or for the manifest, 16-bit) progress
// bitmap covering the blocks starting at the first missing byte.
func bitmap(s *stream, bits int) (start uint64, bm []byte) {
	start = s.firstMissingByte()
	start -= start % 64
	bm = make([]byte, (bits+7)/8)
	for i := 0; i < bits; i++ {
		blockStart := start + 64*uint64(i)
		if blockCovered(s, blockStart, 64) {
			bm[i/8] |= 1 << uint(i%8)
		}
	}
	return start, bm
}

func blockCovered(s *stream, blockStart uint64, blockLen uint64) bool {
	blockEnd := blockStart + blockLen
	if s.length != nil && blockEnd > *s.length {
		blockEnd = *s.length
		if blockEnd <= blockStart {
			// block lies entirely past a known stream end: treat as
			// satisfied so senders stop retrying a short tail.
			return true
		}
	}
	covered := uint64(0)
	for _, seg := range s.segments {
		lo, hi := seg.start, seg.end
		if lo < blockStart {
			lo = blockStart
		}
		if hi > blockEnd {
			hi = blockEnd
		}
		if hi > lo {
			covered += hi - lo
		}
	}
	return covered >= blockEnd-blockStart
}

// Slot tracks one in-flight bundle's reassembly state.
type Slot struct {
	BIDPrefix [8]byte
	Version   uint64
	IsJournal bool

	manifest stream
	body     stream

	// senderRing remembers the 2-byte SID prefixes (and last-useful
	// time) of the most recent peers that delivered a *useful* fragment;
	// RecentSenders exposes it, and OnFragment itself does not consult
	// it when answering a duplicate fragment.
	senderRing   [maxRecentSenders]senderEntry
	senderRingAt int
}

// maxRecentSenders bounds a partial slot's recent-senders ring.
const maxRecentSenders = 8

type senderEntry struct {
	sid      [2]byte
	lastTime time.Time
}

func (s *Slot) recordSender(sid2 [2]byte, now time.Time) {
	s.senderRing[s.senderRingAt%maxRecentSenders] = senderEntry{sid: sid2, lastTime: now}
	s.senderRingAt++
}

// RecentSenders returns the slot's recent-sender ring entries that
// have actually been populated, most-recent last.
func (s *Slot) RecentSenders() []senderEntry {
	n := s.senderRingAt
	if n > maxRecentSenders {
		n = maxRecentSenders
	}
	out := make([]senderEntry, 0, n)
	for i := s.senderRingAt - n; i < s.senderRingAt; i++ {
		out = append(out, s.senderRing[i%maxRecentSenders])
	}
	return out
}

// ManifestComplete / BodyComplete report per-stream completion.
func (s *Slot) ManifestComplete() bool { return s.manifest.complete() }
func (s *Slot) BodyComplete() bool     { return s.body.complete() }

// Complete reports whether both streams are fully received.
func (s *Slot) Complete() bool { return s.ManifestComplete() && s.BodyComplete() }

// Manifest / Body return the current (possibly partial) backing bytes.
// Callers must check *Complete before trusting the full length.
func (s *Slot) Manifest() []byte { return s.manifest.data }
func (s *Slot) Body() []byte     { return s.body.data }

type recentKey struct {
	bidPrefix [8]byte
	version   uint64
}

// ReportAction tells the caller what progress report to send back to
// the fragment's sender.
type ReportAction struct {
	SendBitmap       bool
	ManifestBitmapAt uint64
	ManifestBitmap   []byte
	BodyBitmapAt     uint64
	BodyBitmap       []byte
	JumpOffset       bool   // true: duplicate or out-of-order-ahead fragment, ask sender to jump randomly
	JumpTo           uint64 // only meaningful when JumpOffset
	AlreadyHave      bool   // bundle already held at >= incoming version; tell sender to stop
}

// HaveBundle reports whether the store already holds this bundle at a
// version at least as new as the one being offered.
type HaveBundle func(bidPrefix [8]byte, version uint64) bool

// PriorVersionBody fetches a previous version's body bytes from the
// store, for journal pre-seeding. ok is
// false if no suitable prior version is held.
type PriorVersionBody func(bidPrefix [8]byte, version uint64) (body []byte, ok bool)

// Submit hands a completed (manifest, body) pair to the store.
type Submit func(bidPrefix [8]byte, version uint64, manifest, body []byte) error

// DecompressManifest inflates the wire-compressed manifest (§4.8).
type DecompressManifest func(compressed []byte) ([]byte, error)

// Table is the fixed-capacity reassembly slot table.
type Table struct {
	slots [MaxBundlesInFlight]*Slot

	recentlyReceived    []recentKey
	recentlyReceivedPos int

	Have          HaveBundle
	PriorVersion  PriorVersionBody
	SubmitBundle  Submit
	Decompress    DecompressManifest

	rng *rand.Rand
}

// New constructs an empty reassembly table. The callbacks may be left
// nil during unit tests that only exercise segment bookkeeping; engine
// wiring always supplies all four.
func New(rng *rand.Rand) *Table {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Table{rng: rng}
}

func (t *Table) findSlot(bidPrefix [8]byte, version uint64) *Slot {
	for _, s := range t.slots {
		if s != nil && s.BIDPrefix == bidPrefix && s.Version == version {
			return s
		}
	}
	return nil
}

func (t *Table) wasRecentlyReceived(bidPrefix [8]byte, version uint64) bool {
	k := recentKey{bidPrefix, version}
	for _, r := range t.recentlyReceived {
		if r == k {
			return true
		}
	}
	return false
}

func (t *Table) rememberRecent(bidPrefix [8]byte, version uint64) {
	k := recentKey{bidPrefix, version}
	if len(t.recentlyReceived) < recentlyReceivedCap {
		t.recentlyReceived = append(t.recentlyReceived, k)
		return
	}
	t.recentlyReceived[t.recentlyReceivedPos%recentlyReceivedCap] = k
	t.recentlyReceivedPos++
}

// allocate finds a slot for (bidPrefix, version), evicting a random
// occupied slot if the table is full.
func (t *Table) allocate(bidPrefix [8]byte, version uint64) *Slot {
	for i, s := range t.slots {
		if s == nil {
			ns := &Slot{BIDPrefix: bidPrefix, Version: version}
			if version < 1<<32 {
				ns.IsJournal = true
			}
			t.slots[i] = ns
			t.preseedJournal(ns)
			return ns
		}
	}
	victim := t.rng.Intn(MaxBundlesInFlight)
	ns := &Slot{BIDPrefix: bidPrefix, Version: version}
	if version < 1<<32 {
		ns.IsJournal = true
	}
	t.slots[victim] = ns
	t.preseedJournal(ns)
	return ns
}

func (t *Table) preseedJournal(s *Slot) {
	if !s.IsJournal || t.PriorVersion == nil {
		return
	}
	body, ok := t.PriorVersion(s.BIDPrefix, s.Version)
	if !ok || len(body) == 0 {
		return
	}
	s.body.insert(0, body)
}

func (t *Table) free(s *Slot) {
	for i, cur := range t.slots {
		if cur == s {
			t.slots[i] = nil
			return
		}
	}
}

// OnFragment processes one received manifest/body fragment, updating
// reassembly state and returning the progress report action the
// caller should schedule for the sender. now timestamps the
// recent-senders ring entry recorded for a useful fragment.
func (t *Table) OnFragment(senderSID2 [2]byte, f wire.FragmentField, now time.Time) (ReportAction, error) {
	if t.Have != nil && t.Have(f.BIDPrefix, f.Version) {
		return ReportAction{AlreadyHave: true}, nil
	}

	s := t.findSlot(f.BIDPrefix, f.Version)
	if s == nil {
		s = t.allocate(f.BIDPrefix, f.Version)
	}

	var st *stream
	switch f.Kind {
	case wire.FragManifest:
		st = &s.manifest
	case wire.FragBody:
		st = &s.body
	default:
		return ReportAction{}, ecode.Wrap(ecode.ErrMalformedField, "fragment has unknown stream kind %q", byte(f.Kind))
	}

	if f.EndOfStream {
		l := f.StartOffset + uint64(len(f.Payload))
		st.length = &l
	}

	firstMissingBefore := st.firstMissingByte()
	newBytes := st.insert(f.StartOffset, f.Payload)

	action := ReportAction{}
	if newBytes == 0 || f.StartOffset > firstMissingBefore {
		// duplicate or out-of-order-ahead fragment: nudge the sender
		// to a random offset so concurrent senders don't lock-step.
		action.JumpOffset = true
		if s.body.length != nil && *s.body.length > 0 {
			action.JumpTo = uint64(t.rng.Int63n(int64(*s.body.length)))
		}
	} else {
		s.recordSender(senderSID2, now)
	}

	mStart, mBm := bitmap(&s.manifest, 16)
	bStart, bBm := bitmap(&s.body, 256)
	action.SendBitmap = true
	action.ManifestBitmapAt, action.ManifestBitmap = mStart, mBm
	action.BodyBitmapAt, action.BodyBitmap = bStart, bBm

	if s.Complete() {
		if err := t.complete(s); err != nil {
			return action, err
		}
	}
	return action, nil
}

func (t *Table) complete(s *Slot) error {
	manifest := s.manifest.data
	if t.Decompress != nil {
		inflated, err := t.Decompress(manifest)
		if err != nil {
			// keep the segment (don't free the slot) so a retry can be
			// requested instead of re-transferring from scratch.
			return ecode.Wrap(err, "manifest decompression failed for bundle %x v%d", s.BIDPrefix, s.Version)
		}
		manifest = inflated
	}

	var submitErr error
	if t.SubmitBundle != nil {
		submitErr = t.SubmitBundle(s.BIDPrefix, s.Version, manifest, s.body.data)
	}

	t.rememberRecent(s.BIDPrefix, s.Version)
	t.free(s)
	return submitErr
}

// AlreadyComplete reports whether (bidPrefix, version) was recently
// finished, so the caller can send an immediate ack to a peer that
// keeps retransmitting after completion.
func (t *Table) AlreadyComplete(bidPrefix [8]byte, version uint64) bool {
	return t.wasRecentlyReceived(bidPrefix, version)
}

// CancelStale frees any in-flight slot for bidPrefix at or below
// staleVersion.
func (t *Table) CancelStale(bidPrefix [8]byte, staleVersion uint64) {
	for i, s := range t.slots {
		if s != nil && s.BIDPrefix == bidPrefix && s.Version <= staleVersion {
			t.slots[i] = nil
		}
	}
}
