// Package engine ties every other package together into a single
// cooperative main loop: one Tick drains whatever the radio driver has
// for us, decodes and dispatches it, then composes and sends at most
// one outgoing packet. There is no per-peer goroutine and no channel
// fan-in — Tick is called synchronously from cmd/lbard's loop, the
// same shape a single-threaded reactor uses for state machines that
// must never race with themselves.
package engine

import (
	"context"
	"encoding/hex"
	"math/rand"
	"strings"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	shortid "github.com/teris-io/shortid"

	"github.com/servalproject/lbard-go/internal/congestion"
	"github.com/servalproject/lbard-go/internal/ecode"
	"github.com/servalproject/lbard-go/internal/fec"
	"github.com/servalproject/lbard-go/internal/manifestcodec"
	"github.com/servalproject/lbard-go/internal/nlog"
	"github.com/servalproject/lbard-go/internal/peer"
	"github.com/servalproject/lbard-go/internal/radio"
	"github.com/servalproject/lbard-go/internal/reassembly"
	"github.com/servalproject/lbard-go/internal/rhizome"
	"github.com/servalproject/lbard-go/internal/stats"
	"github.com/servalproject/lbard-go/internal/statusdump"
	"github.com/servalproject/lbard-go/internal/syncid"
	"github.com/servalproject/lbard-go/internal/synctree"
	"github.com/servalproject/lbard-go/internal/wire"
)

// peerLivenessWindow bounds how long a peer is still considered
// "active" for scheduling purposes after its last heard packet.
const peerLivenessWindow = 60 * time.Second

// maxPacketPayload is the per-packet budget handed to wire.Compose,
// the (223,255) code's data-shard count.
const maxPacketPayload = fec.MaxPayloadLen

// fragmentChunk is the amount of manifest/body bytes offered per
// fragment field. A full chunk makes a 183-byte fragment field, which
// fits a 223-byte packet beside the 8-byte header, the time (13) and
// generation (5) fields and one 12-byte sync record, but not beside a
// progress report as well.
const fragmentChunk = 160

// cachedBundle holds one bundle's full manifest/body bytes once
// fetched from Rhizome, so repeated fragment sends to multiple peers
// don't each re-fetch over HTTP.
type cachedBundle struct {
	manifest []byte
	body     []byte
}

// Engine owns every piece of mutable state the main loop touches.
type Engine struct {
	SID          [6]byte
	GenerationID uint32
	Salt         [syncid.SaltLen]byte
	SessionTag   string

	Radio      radio.Driver
	FEC        *fec.Codec
	Tree       *synctree.Tree // global tree of every bundle the store holds; its root is the no-peer heartbeat
	Store      *rhizome.Store
	Partial    *reassembly.Table
	Peers      *peer.Table
	Congestion *congestion.Controller
	Client     *rhizome.Client
	Stats      *stats.Stats

	rng        *rand.Rand
	msgCounter uint16
	seen       *cuckoo.Filter
	rxBuf      []byte

	bundleCache     map[[8]byte]cachedBundle
	bidHexByPrefix  map[[8]byte]string
	pendingAcks     map[[8]byte]wire.AckField
	pendingBitmaps  map[[8]byte]wire.BitmapReportField
	pendingRequests map[[8]byte]wire.RequestField

	lastPoll  time.Time
	pollSince string

	// MeshMSOnly restricts PollStore admission to MeshMS-service rows
	// (the "meshmsonly" CLI option, §6).
	MeshMSOnly bool

	// RadioStuck is set by the congestion controller's ResetRadio
	// callback after four consecutive silent windows (§4.5, §7 taxonomy
	// item 2); cmd/lbard checks it once per tick and, if
	// "rebootwhenstuck" was requested, exits non-zero.
	RadioStuck bool

	// Announce enables verbose logging of root-heartbeat broadcasts (the
	// "announce" CLI option, §6; debug_announce in the reference
	// implementation gated printf calls around the same event, not the
	// broadcast itself — the root heartbeat is unconditional per §4.1).
	Announce bool

	nextSendAt time.Time

	// LastOutgoing, when non-nil, is the packet most recently
	// transmitted; kept for status/debug tooling.
	LastOutgoing []byte
}

// New constructs an Engine. rng may be nil (defaults to a
// time-independent seed of 1, deterministic for tests); callers that
// want real randomness should pass rand.New(rand.NewSource(seed)).
func New(mySID [6]byte, generationID uint32, salt [syncid.SaltLen]byte, drv radio.Driver, client *rhizome.Client, st *stats.Stats, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	tree := synctree.New("self")
	store := rhizome.NewStore(tree, salt)

	tag, err := shortid.Generate()
	if err != nil {
		tag = "------"
	}

	e := &Engine{
		SID:             mySID,
		GenerationID:    generationID,
		Salt:            salt,
		SessionTag:      tag,
		Radio:           drv,
		Tree:            tree,
		Store:           store,
		Peers:           peer.NewTable(rng),
		Congestion:      congestion.New(congestion.DefaultTarget),
		Client:          client,
		Stats:           st,
		rng:             rng,
		seen:            cuckoo.NewFilter(1024),
		rxBuf:           make([]byte, 4096),
		bundleCache:     make(map[[8]byte]cachedBundle),
		bidHexByPrefix:  make(map[[8]byte]string),
		pendingAcks:     make(map[[8]byte]wire.AckField),
		pendingBitmaps:  make(map[[8]byte]wire.BitmapReportField),
		pendingRequests: make(map[[8]byte]wire.RequestField),
	}

	codec, err := fec.New()
	if err != nil {
		// DataShards/ParityShards are fixed constants; New only fails on
		// a misconfigured shard count, which can't happen here.
		panic(err)
	}
	e.FEC = codec

	e.Partial = reassembly.New(rng)
	e.Partial.Have = store.HaveAtLeast
	e.Partial.PriorVersion = func(bidPrefix [8]byte, version uint64) ([]byte, bool) {
		if _, ok := store.PriorVersionExists(bidPrefix, version); !ok {
			return nil, false
		}
		cached, ok := e.bundleCache[bidPrefix]
		if !ok || cached.body == nil {
			return nil, false
		}
		return cached.body, true
	}
	e.Partial.Decompress = manifestcodec.DecompressFromLink
	e.Partial.SubmitBundle = func(bidPrefix [8]byte, version uint64, manifest, body []byte) error {
		e.Stats.BundlesCompleted.Inc()
		if e.Client == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), rhizome.DefaultTimeout)
		defer cancel()
		return e.Client.Import(ctx, manifest, body)
	}

	store.OnCancelPartials = func(bidPrefix [8]byte, staleVersion uint64) {
		e.Partial.CancelStale(bidPrefix, staleVersion)
	}

	store.OnKeyAdded = func(key syncid.Key, bidHex string) {
		if raw, err := hex.DecodeString(bidHex); err == nil && len(raw) >= 8 {
			var prefix [8]byte
			copy(prefix[:], raw[:8])
			e.bidHexByPrefix[prefix] = bidHex
		}
		for _, p := range e.Peers.All() {
			if p.SyncState != nil {
				p.SyncState.AddKey(key, bidHex)
			}
		}
	}

	e.Congestion.ActivePeers = func() int { return e.Peers.Len() }
	e.Congestion.ResetRadio = func() {
		nlog.Warningf("[%s] congestion controller requesting radio reset after silence", e.SessionTag)
		e.RadioStuck = true
	}

	return e
}

// newPeerSyncTree builds a fresh per-peer sync tree seeded with every
// key we currently hold: each peer needs its own independent
// send/queued bookkeeping, since two peers can be at different points
// of convergence with us at the same time.
func (e *Engine) newPeerSyncTree() *synctree.Tree {
	t := synctree.New("peer")
	for _, r := range e.Store.AllRecords() {
		t.AddKey(e.Store.Key(r), r.BIDHex)
	}
	return t
}

func (e *Engine) peerFor(sidPrefix [6]byte) *peer.Peer {
	p := e.Peers.Get(sidPrefix)
	if p.SyncState == nil {
		p.SyncState = e.newPeerSyncTree()
	}
	return p
}

// Tick runs one pass of the main loop: service the driver, drain and
// process whatever it has received, retune the congestion controller,
// and (at most once) compose and send an outgoing packet.
func (e *Engine) Tick(now time.Time) error {
	e.Radio.ServiceTick(now)

	pkts, err := e.Radio.ReceiveBytes(e.rxBuf)
	if err != nil {
		nlog.Warningf("[%s] radio receive error: %v", e.SessionTag, err)
	}
	for _, pkt := range pkts {
		if herr := e.handleInbound(pkt, now); herr != nil {
			nlog.Warningf("[%s] dropping inbound packet: %v", e.SessionTag, herr)
		}
	}

	e.Congestion.MaybeTick(now)
	e.Stats.PeersActive.Set(float64(len(e.Peers.Active(now, peerLivenessWindow))))
	e.Stats.TxQueueDepth.Set(float64(e.totalQueueDepth()))
	e.Stats.CongestionInterval.Set(float64(e.Congestion.Interval))

	if e.Radio.ReadyToSend() && !now.Before(e.nextSendAt) {
		if err := e.sendOutgoing(now); err != nil {
			nlog.Warningf("[%s] send failed: %v", e.SessionTag, err)
		}
		e.nextSendAt = now.Add(e.Congestion.Interval).Add(e.Congestion.Jitter(e.rng))
	}

	nlog.Flush()
	return nil
}

func (e *Engine) totalQueueDepth() int {
	total := 0
	for _, p := range e.Peers.All() {
		total += p.QueueLen()
	}
	return total
}

// handleInbound FEC-decodes, parses, and dispatches one received
// packet.
func (e *Engine) handleInbound(pkt radio.ReceivedPacket, now time.Time) error {
	if len(pkt.Data) != fec.CodewordLen {
		return ecode.Wrap(ecode.ErrMalformedField, "packet is %d bytes, want %d", len(pkt.Data), fec.CodewordLen)
	}
	var codeword [fec.CodewordLen]byte
	copy(codeword[:], pkt.Data)

	payload, symbolErrors, err := e.FEC.Unwrap(codeword, nil)
	if err != nil {
		e.Stats.FECErrors.Inc()
		return ecode.Wrap(err, "fec unwrap (%d suspect symbols)", symbolErrors)
	}

	header, fields, perr := wire.Parse(payload)
	if fields == nil && perr != nil {
		return perr // header itself was truncated/malformed; nothing to dispatch
	}
	if header.SIDPrefix == e.SID {
		return nil // our own transmission heard back on a shared medium
	}

	dedupKey := append(append([]byte{}, header.SIDPrefix[:]...), byte(header.MsgCounter), byte(header.MsgCounter>>8))
	if !e.seen.InsertUnique(dedupKey) {
		return nil // exact duplicate delivery (overlapping coverage, retransmit echo)
	}

	e.Stats.PacketsReceived.Inc()
	e.Stats.BytesReceived.Add(float64(len(payload)))
	e.Congestion.RecordPeerPacket()

	p := e.peerFor(header.SIDPrefix)
	p.LastSeen = now
	if pkt.RSSI != -1 {
		p.RSSI.Add(pkt.RSSI)
	}

	senderSID2 := [2]byte{header.SIDPrefix[0], header.SIDPrefix[1]}

	for _, f := range fields {
		switch v := f.(type) {
		case wire.GenerationField:
			if p.ResetOnGenerationChange(v.GenerationID) {
				p.SyncState = e.newPeerSyncTree()
				nlog.Infof("[%s] peer %x restarted (generation %08x)", e.SessionTag, header.SIDPrefix, v.GenerationID)
			}

		case wire.SyncField:
			if p.SyncState == nil {
				p.SyncState = e.newPeerSyncTree()
			}
			p.SyncState.RecvMessage(v.Records, synctree.Callbacks{
				PeerHasBundleWeDont: func(key syncid.Key) {
					if nlog.V(2) {
						nlog.Infof("[%s] peer %x has a bundle we don't (key %x)", e.SessionTag, header.SIDPrefix, key)
					}
				},
			})
			for _, ref := range p.SyncState.ReadyToOffer() {
				e.offerToPeer(p, ref)
			}

		case wire.FragmentField:
			action, ferr := e.Partial.OnFragment(senderSID2, v, now)
			if ferr != nil {
				nlog.Warningf("[%s] reassembly error for %x: %v", e.SessionTag, v.BIDPrefix, ferr)
				continue
			}
			e.applyReportAction(v.BIDPrefix, action)

		case wire.RequestField:
			if p.TxBundle != nil && p.TxBundle.BIDPrefix == v.BIDPrefix {
				if v.IsManifest {
					p.ManifestOffset = uint16(v.RequestedOffset)
				} else {
					p.BodyOffset = v.RequestedOffset
				}
			}

		case wire.AckField:
			p.ApplyAck(v)

		case wire.BitmapReportField:
			if p.TxBundle != nil && p.TxBundle.BIDPrefix == v.BIDPrefix {
				if v.BitmapStart > p.BodyOffset {
					p.BodyOffset = v.BitmapStart
				}
				// the 16-bit manifest bitmap covers exactly the first
				// 1024 bytes (16 blocks of 64); all bits set means the
				// receiver holds the whole manifest, the same "done"
				// sentinel ApplyAck checks for.
				if v.ManifestBitmap == ([2]byte{0xFF, 0xFF}) {
					p.ManifestOffset = 1024
				}
			}

		case wire.BARField, wire.LengthField, wire.TimeField:
			// diagnostic-only fields;
			// nothing to act on in the current feature set.
		}
	}

	return perr
}

// applyReportAction turns one reassembly.ReportAction into at most one
// pending ack/bitmap/request field, queued for the next outgoing
// packet keyed by bundle so repeated fragments from the same bundle
// within a tick collapse to the latest report.
func (e *Engine) applyReportAction(bidPrefix [8]byte, action reassembly.ReportAction) {
	if action.AlreadyHave {
		e.pendingAcks[bidPrefix] = wire.AckField{BIDPrefix: bidPrefix, ManifestOffset: 1024, BodyOffset: 0xFFFFFFFF}
		return
	}
	if action.SendBitmap {
		var bm [32]byte
		copy(bm[:], action.BodyBitmap)
		var mbm [2]byte
		copy(mbm[:], action.ManifestBitmap)
		e.pendingBitmaps[bidPrefix] = wire.BitmapReportField{
			BIDPrefix:      bidPrefix,
			BitmapStart:    uint32(action.BodyBitmapAt),
			Bitmap:         bm,
			ManifestBitmap: mbm,
		}
	}
	if action.JumpOffset {
		e.pendingRequests[bidPrefix] = wire.RequestField{BIDPrefix: bidPrefix, RequestedOffset: uint32(action.JumpTo)}
	}
}

// offerToPeer resolves a sync-tree leaf ref (always a BID hex string)
// into a peer.BundleRef and admits it to p's transmit queue.
func (e *Engine) offerToPeer(p *peer.Peer, ref synctree.BundleRef) {
	bidHex, ok := ref.(string)
	if !ok {
		return
	}
	rec, ok := e.Store.Record(bidHex)
	if !ok {
		return
	}
	p.Offer(peer.BundleRef{
		BIDPrefix:    rec.BIDPrefix,
		Version:      rec.Version,
		Length:       rec.Length,
		IsMeshMSLike: strings.HasPrefix(rec.Service, "MeshMS"),
	})
}

// sendOutgoing composes one outgoing packet following the scheduler
// sequence bundle_tree.c's sync_by_tree_stuff_packet lays out: drain
// pending reports first, flip a coin on whether a sync-tree message
// goes out now, loop up to 10 times re-rolling a random active peer
// and stuffing a fragment from whatever bundle that peer's state
// currently points at, then guarantee a sync message went out if the
// coin flip skipped it.
func (e *Engine) sendOutgoing(now time.Time) error {
	fields := []wire.Field{
		wire.TimeField{Stratum: 1, Seconds: uint64(now.Unix())},
		wire.GenerationField{GenerationID: e.GenerationID},
	}
	fields = e.drainReports(fields)

	active := e.Peers.Active(now, peerLivenessWindow)

	syncSent := false
	if e.rng.Intn(2) == 0 {
		fields = e.appendSyncField(fields, active)
		syncSent = true
	}

	const maxFragmentPeers = 10
	for i := 0; i < maxFragmentPeers && len(active) > 0; i++ {
		p := active[e.rng.Intn(len(active))]
		if p.TxBundle == nil {
			continue
		}
		if ff, ok := e.buildFragment(p); ok {
			fields = append(fields, ff)
		}
	}

	if !syncSent {
		fields = e.appendSyncField(fields, active)
	}

	header := wire.Header{SIDPrefix: e.SID, MsgCounter: e.msgCounter}
	e.msgCounter = (e.msgCounter + 1) & 0x7FFF

	payload, err := fitFields(header, fields, maxPacketPayload)
	if err != nil {
		return ecode.Wrap(err, "composing outgoing packet")
	}
	if len(payload) == wire.HeaderLen {
		return nil // nothing worth sending this tick beyond the bare header fields were already trimmed to zero
	}

	codeword, err := e.FEC.Wrap(payload)
	if err != nil {
		return ecode.Wrap(err, "fec wrap")
	}
	if err := e.Radio.SendPacket(codeword[:]); err != nil {
		return ecode.Wrap(err, "radio send")
	}

	e.LastOutgoing = codeword[:]
	e.Stats.PacketsSent.Inc()
	e.Stats.BytesSent.Add(float64(len(payload)))
	e.Congestion.RecordOwnPacket()
	return nil
}

// appendSyncField emits one sync-tree message: a randomly chosen
// active peer's sibling tree, or (when no peer has been heard from
// yet) our own tree's root summary as a heartbeat so a stranger on the
// channel can initiate sync (§4.1 "the root is always broadcast as a
// heartbeat").
func (e *Engine) appendSyncField(fields []wire.Field, active []*peer.Peer) []wire.Field {
	buf := make([]byte, 60)
	if len(active) > 0 {
		p := active[e.rng.Intn(len(active))]
		if p.SyncState == nil {
			p.SyncState = e.newPeerSyncTree()
		}
		if n := p.SyncState.BuildMessage(buf); n > 0 {
			fields = append(fields, wire.SyncField{Records: buf[:n]})
		}
		return fields
	}
	if n := e.Tree.BuildMessage(buf); n > 0 {
		fields = append(fields, wire.SyncField{Records: buf[:n]})
		if e.Announce {
			nlog.Infof("[%s] announcing root sync summary, no active peers yet", e.SessionTag)
		}
	}
	return fields
}

// fitFields composes as many of fields (in priority order) as fit
// within maxLen, dropping the lowest-priority (last) ones first rather
// than erroring the whole packet out.
func fitFields(h wire.Header, fields []wire.Field, maxLen int) ([]byte, error) {
	for n := len(fields); n >= 0; n-- {
		payload, err := wire.Compose(h, fields[:n], maxLen)
		if err == nil {
			return payload, nil
		}
	}
	return nil, ecode.Wrap(ecode.ErrMalformedField, "even the bare header doesn't fit in %d bytes", maxLen)
}

func (e *Engine) drainReports(fields []wire.Field) []wire.Field {
	for k, v := range e.pendingAcks {
		fields = append(fields, v)
		delete(e.pendingAcks, k)
	}
	for k, v := range e.pendingBitmaps {
		fields = append(fields, v)
		delete(e.pendingBitmaps, k)
	}
	for k, v := range e.pendingRequests {
		fields = append(fields, v)
		delete(e.pendingRequests, k)
	}
	return fields
}

// buildFragment composes the next manifest/body fragment for p's
// current tx bundle, fetching and caching the bundle's content from
// Rhizome on first use. ok is false if there is nothing left to send
// (content not yet available, or both streams exhausted).
func (e *Engine) buildFragment(p *peer.Peer) (wire.FragmentField, bool) {
	b := p.TxBundle
	cached, ok := e.ensureBundleCached(b.BIDPrefix)
	if !ok {
		return wire.FragmentField{}, false
	}

	manifest := cached.manifest
	if int(p.ManifestOffset) < len(manifest) {
		compressed, err := manifestcodec.CompressForLink(manifest)
		if err != nil {
			compressed = manifest
		}
		return e.chunkField(wire.FragManifest, b, uint64(p.ManifestOffset), compressed), true
	}

	body := cached.body
	if uint64(p.BodyOffset) < uint64(len(body)) || len(body) == 0 {
		return e.chunkField(wire.FragBody, b, uint64(p.BodyOffset), body), true
	}
	return wire.FragmentField{}, false
}

func (e *Engine) chunkField(kind wire.FragKind, b *peer.BundleRef, offset uint64, stream []byte) wire.FragmentField {
	end := offset + fragmentChunk
	eos := false
	if end >= uint64(len(stream)) {
		end = uint64(len(stream))
		eos = true
	}
	var payload []byte
	if offset < uint64(len(stream)) {
		payload = stream[offset:end]
	}
	return wire.FragmentField{
		Kind:        kind,
		BIDPrefix:   b.BIDPrefix,
		Version:     b.Version,
		StartOffset: offset,
		EndOfStream: eos,
		Payload:     payload,
	}
}

// ensureBundleCached fetches and caches a bundle's manifest+payload
// bytes the first time we need to send fragments of it, bounded by
// rhizome.DefaultTimeout so a slow store never wedges the radio loop
// for long.
func (e *Engine) ensureBundleCached(bidPrefix [8]byte) (cachedBundle, bool) {
	if c, ok := e.bundleCache[bidPrefix]; ok {
		return c, true
	}
	if e.Client == nil {
		return cachedBundle{}, false
	}
	bidHex, ok := e.bidHexByPrefix[bidPrefix]
	if !ok {
		return cachedBundle{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), rhizome.DefaultTimeout)
	defer cancel()
	manifest, body, err := e.Client.FetchBundle(ctx, bidHex)
	if err != nil {
		nlog.Warningf("[%s] fetching bundle %s: %v", e.SessionTag, bidHex, err)
		return cachedBundle{}, false
	}
	c := cachedBundle{manifest: manifest, body: body}
	e.bundleCache[bidPrefix] = c
	return c, true
}

// PollStore long-polls Rhizome for new/changed bundle rows and admits
// each one that passes the min-version filter into the store mirror.
// Callers invoke this on their own cadence (e.g. every
// rhizome.ListPollIntervalDefault), separately from Tick, since it
// performs a blocking HTTP round trip.
func (e *Engine) PollStore(ctx context.Context, minVersion uint64) error {
	if e.Client == nil {
		return nil
	}
	rows, err := e.Client.ListBundles(ctx, e.pollSince)
	if err != nil {
		return err
	}
	var errs ecode.Errs
	for _, row := range rows {
		if row.ContinuationToken != "" {
			e.pollSince = row.ContinuationToken
		}
		if !rhizome.MinVersionFilter(row, minVersion) {
			continue
		}
		if e.MeshMSOnly && !strings.HasPrefix(row.Service, "MeshMS") {
			continue
		}
		if _, err := e.Store.RegisterBundle(row); err != nil {
			errs.Add(err)
		}
	}
	return errs.JoinErr()
}

// Snapshot renders the current engine state for internal/statusdump.
func (e *Engine) Snapshot(now time.Time) statusdump.Snapshot {
	s := statusdump.Snapshot{
		GeneratedAt:     now,
		OurSID:          hex.EncodeToString(e.SID[:]),
		OurGenerationID: e.GenerationID,
		BundleCount:     len(e.Store.AllRecords()),
		CongestionMS:    e.Congestion.Interval,
	}
	for _, p := range e.Peers.All() {
		bidPrefix := ""
		if p.TxBundle != nil {
			bidPrefix = hex.EncodeToString(p.TxBundle.BIDPrefix[:])
		}
		s.Peers = append(s.Peers, statusdump.PeerSummary{
			SIDPrefix:         hex.EncodeToString(p.SIDPrefix[:]),
			GenerationID:      p.GenerationID,
			LastSeenAgo:       now.Sub(p.LastSeen),
			AverageRSSI:       p.RSSI.Average(),
			MissedPackets:     p.MissedPacketCount,
			TxBundleBIDPrefix: bidPrefix,
			TxQueueDepth:      p.QueueLen(),
			ManifestOffset:    p.ManifestOffset,
			BodyOffset:        p.BodyOffset,
		})
	}
	return s
}
