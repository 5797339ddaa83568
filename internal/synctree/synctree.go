// Package synctree implements the binary-prefix trie over 64-bit
// per-bundle sync keys that lets two peers converge on the set of
// bundles they each hold by exchanging small summary packets.
//
// The tree is built from plain *node pointers rather than a
// reference-arena of array indices: Go's GC makes the dangling-pointer
// avoidance that dance would buy unnecessary. BundleRef is an opaque
// handle the caller attaches to each leaf instead of a raw array index.
package synctree

import (
	"fmt"

	"github.com/servalproject/lbard-go/internal/syncid"
)

// KeyBits is the number of bits in a sync key (64 = 8 bytes * 8).
const KeyBits = syncid.KeyLen * 8

// sendState tracks whether a node still needs to go out on the wire.
type sendState uint8

const (
	notSent sendState = iota
	sent
	queued
	dontSend
)

// record is the 10-byte wire shape of one sync-tree summary entry:
// { min_prefix_len:u8, prefix_len:u8, key[8] }.
type record struct {
	minPrefixLen uint8
	prefixLen    uint8
	key          syncid.Key
}

const recordLen = 2 + syncid.KeyLen

// BundleRef is an opaque handle a caller attaches to a leaf node (the
// engine and store mirror attach the bundle's BID hex string).
type BundleRef any

type node struct {
	rec          record
	state        sendState
	sentCount    uint8
	children     [2]*node
	ref          BundleRef // non-nil only on leaves (prefixLen == KeyBits)
	transmitNext *node
}

func (n *node) isLeaf() bool { return n.rec.prefixLen == KeyBits }

// Tree is one peer's (or our own) view of a set of sync keys.
type Tree struct {
	Name string

	root *node

	transmitHead, transmitTail *node

	KeyCount                int
	SentMessages            int
	SentRoot                int
	SentRecordCount         int
	ReceivedRecordCount     int
	ReceivedUninteresting   int
	DiscoveredCount         int // count of "peer has a bundle we don't" callbacks fired
}

// New returns an empty sync tree. name is used only for logging/status.
func New(name string) *Tree {
	t := &Tree{Name: name}
	t.root = &node{}
	return t
}

// getBit returns bit `offset` of key, counting from the MSB of key[0] as
// bit 0 (matches sync_get_bits with PREFIX_STEP_BITS==1, the only
// configuration the reference implementation ever exercised).
func getBit(key syncid.Key, offset uint8) uint8 {
	byteIdx := offset >> 3
	bitIdx := 7 - (offset & 7)
	return (key[byteIdx] >> bitIdx) & 1
}

// xorInto mixes src into dst's key: the leading dst.prefixLen bits are
// copied verbatim from src (the path the key took down the tree), the
// remaining bits are XOR'd (the running fingerprint of descendant
// leaves).
func xorInto(dst *syncid.Key, prefixLen uint8, src syncid.Key) {
	i := uint8(0)
	for ; i < prefixLen/8; i++ {
		dst[i] = src[i]
	}
	if prefixLen%8 != 0 {
		n := prefixLen % 8
		mask := byte(0xFF << (8 - n))
		dst[i] = (mask & src[i]) | (^mask & (dst[i] ^ src[i]))
		i++
	}
	for ; i < syncid.KeyLen; i++ {
		dst[i] ^= src[i]
	}
}

// xorChildren recomputes dst as the XOR of every descendant leaf under n,
// used when re-rooting a subtree on insert (single-child collapse undo).
func xorChildren(n *node, dst *syncid.Key) {
	if n.isLeaf() {
		xorInto(dst, 0, n.rec.key)
		return
	}
	for _, c := range n.children {
		if c != nil {
			xorChildren(c, dst)
		}
	}
}

// AddKey inserts key into the tree, XOR-folding it into every ancestor
// and flipping any ancestor previously marked `sent` back to `notSent`
// so it gets retransmitted. ref is attached to the new leaf.
func (t *Tree) AddKey(key syncid.Key, ref BundleRef) {
	t.KeyCount++
	prefixLen := uint8(0)
	minPrefixLen := prefixLen
	nodePtr := &t.root

	for {
		childIdx := getBit(key, prefixLen)

		if (*nodePtr).rec.prefixLen == prefixLen {
			xorInto(&(*nodePtr).rec.key, prefixLen, key)
			if (*nodePtr).state == sent {
				(*nodePtr).state = notSent
			}
			prefixLen++
			minPrefixLen = prefixLen
			nodePtr = &(*nodePtr).children[childIdx]
			if *nodePtr == nil {
				leaf := &node{ref: ref}
				leaf.rec.key = key
				leaf.rec.minPrefixLen = minPrefixLen
				leaf.rec.prefixLen = KeyBits
				*nodePtr = leaf
				return
			}
			continue
		}

		nodeChildIdx := getBit((*nodePtr).rec.key, prefixLen)
		if childIdx == nodeChildIdx {
			prefixLen++
			continue
		}

		// Mismatch: synthesize a new interior node splitting the range.
		parent := &node{}
		parent.rec.minPrefixLen = minPrefixLen
		parent.rec.prefixLen = prefixLen
		parent.children[nodeChildIdx] = *nodePtr

		minPrefixLen = prefixLen + 1
		(*nodePtr).rec.minPrefixLen = minPrefixLen

		xorChildren(parent, &parent.rec.key)

		*nodePtr = parent
	}
}

// BuildMessage writes queued sync records into buf (the 2-byte 'S' +
// length header is NOT written here; see wire.SyncField.Encode) and returns
// the number of bytes used. If nothing is queued, the root summary is
// sent as a heartbeat so strangers can initiate sync.
func (t *Tree) BuildMessage(buf []byte) int {
	t.SentMessages++
	offset := 0

	for t.transmitHead != nil && offset+recordLen <= len(buf) {
		n := t.transmitHead
		if n.state == queued {
			putRecord(buf[offset:], n.rec)
			offset += recordLen
			t.SentRecordCount++
			n.state = sent
		}
		t.transmitHead = n.transmitNext
		n.transmitNext = nil
	}
	if t.transmitHead == nil {
		t.transmitTail = nil
	}

	if offset == 0 && offset+recordLen <= len(buf) {
		t.SentRoot++
		putRecord(buf[offset:], t.root.rec)
		offset += recordLen
		t.SentRecordCount++
	}
	return offset
}

func putRecord(b []byte, r record) {
	b[0] = r.minPrefixLen
	b[1] = r.prefixLen
	copy(b[2:2+syncid.KeyLen], r.key[:])
}

func getRecord(b []byte) record {
	var r record
	r.minPrefixLen = b[0]
	r.prefixLen = b[1]
	copy(r.key[:], b[2:2+syncid.KeyLen])
	return r
}

// queueNode appends n to the transmit FIFO (or pushes to the head if
// head==true), unless it's already queued/sent-pending.
func (t *Tree) queueNode(n *node, head bool) {
	if n.state != notSent {
		return
	}
	n.state = queued
	n.sentCount++
	if t.transmitHead == nil {
		t.transmitHead, t.transmitTail = n, n
		n.transmitNext = nil
		return
	}
	if head {
		n.transmitNext = t.transmitHead
		t.transmitHead = n
		return
	}
	n.transmitNext = nil
	t.transmitTail.transmitNext = n
	t.transmitTail = n
}

// queueLeaves recursively queues every leaf under n, optionally skipping
// the child at index `except` (pass -1 to skip none).
func (t *Tree) queueLeaves(n *node, except int) {
	if n.isLeaf() {
		t.queueNode(n, true)
		return
	}
	for i, c := range n.children {
		if c != nil && i != except {
			t.queueLeaves(c, -1)
		}
	}
}

// ReadyToOffer walks the pending transmit FIFO and returns the
// BundleRef of every leaf currently queued for this peer: a bundle we
// hold that the peer's last sync message indicated it doesn't. It does
// not dequeue anything — the record itself still needs to go out on
// the wire via BuildMessage so the peer can verify convergence, and
// repeated calls before that happens are harmless since bundle
// admission (peer.Offer) is idempotent.
func (t *Tree) ReadyToOffer() []BundleRef {
	var out []BundleRef
	for n := t.transmitHead; n != nil; n = n.transmitNext {
		if n.state == queued && n.isLeaf() && n.ref != nil {
			out = append(out, n.ref)
		}
	}
	return out
}

// cmpKeyEqual reports whether two records describe the same set of
// leaves.
func cmpKeyEqual(a, b record) bool {
	commonPrefixLen := min8(a.prefixLen, b.prefixLen)
	aXorBegin := a.prefixLen
	if a.prefixLen == KeyBits {
		aXorBegin = a.minPrefixLen
	}
	bXorBegin := b.prefixLen
	if b.prefixLen == KeyBits {
		bXorBegin = b.minPrefixLen
	}
	xorBeginOffset := max8(aXorBegin, bXorBegin)

	if commonPrefixLen < xorBeginOffset {
		if commonPrefixLen >= 8 {
			nb := commonPrefixLen / 8
			if !bytesEqual(a.key[:nb], b.key[:nb]) {
				return false
			}
		}
		xorBeginByte := (xorBeginOffset + 7) / 8
		if xorBeginByte < syncid.KeyLen {
			if !bytesEqual(a.key[xorBeginByte:], b.key[xorBeginByte:]) {
				return false
			}
		}
		return true
	}
	return a.key == b.key
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func min8(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func max8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

// Callbacks bundles the reactions RecvMessage needs to report to the
// rest of the engine.
type Callbacks struct {
	// PeerHasBundleWeDont fires when the peer announced a leaf (a
	// concrete bundle's sync key) that does not appear anywhere in our
	// tree. We do NOT add this key to our own tree (we don't hold the
	// bundle); the peer/tx-queue layer consumes this to decide whether
	// to request it.
	PeerHasBundleWeDont func(key syncid.Key)
}

// RecvMessage decodes one or more 10-byte records from data and reacts
// to each according to how it compares against our own tree at that
// prefix. Malformed records (either length field over 64) abort
// decoding of the remaining records in this message but do not error
// out the caller.
func (t *Tree) RecvMessage(data []byte, cb Callbacks) {
	for offset := 0; offset+recordLen <= len(data); offset += recordLen {
		r := getRecord(data[offset:])
		if r.minPrefixLen > KeyBits || r.prefixLen > KeyBits {
			return // sanity check failed; abort rest of message
		}
		t.recvKey(r, cb)
	}
}

func (t *Tree) recvKey(key record, cb Callbacks) {
	t.ReceivedRecordCount++

	n := t.root
	prefixLen := uint8(0)

	for {
		if cmpKeyEqual(key, n.rec) {
			t.ReceivedUninteresting++
			if n.state == queued {
				n.state = dontSend
			}
			return
		}

		if key.prefixLen <= prefixLen {
			if n.rec.prefixLen > key.prefixLen {
				t.queueNode(n, true)
				return
			}
			// Work out the diff between their summary and ours; if it
			// resolves to one of our existing nodes exactly, that
			// node's children are unknown to the peer.
			diff := key.key
			xorInto(&diff, key.prefixLen, n.rec.key)
			diffRec := record{minPrefixLen: key.minPrefixLen, prefixLen: key.prefixLen, key: diff}

			testNode := n
			testPrefix := prefixLen
			for testNode != nil {
				if cmpKeyEqual(diffRec, testNode.rec) {
					t.queueLeaves(testNode, -1)
					return
				}
				if testNode.isLeaf() {
					break
				}
				childIdx := getBit(diff, testPrefix)
				if testPrefix < testNode.rec.prefixLen {
					nodeIdx := getBit(testNode.rec.key, testPrefix)
					if nodeIdx != childIdx {
						break
					}
				} else {
					testNode = testNode.children[childIdx]
				}
				testPrefix++
			}
			for _, c := range n.children {
				if c != nil {
					t.queueNode(c, false)
				}
			}
			return
		}

		keyIdx := getBit(key.key, prefixLen)

		for prefixLen < n.rec.prefixLen && prefixLen < key.prefixLen {
			existingIdx := getBit(n.rec.key, prefixLen)
			if keyIdx != existingIdx {
				if prefixLen >= key.minPrefixLen {
					t.queueLeaves(n, -1)
					if key.prefixLen != KeyBits {
						t.queueNode(n, false)
					}
				}
				if key.prefixLen == KeyBits && cb.PeerHasBundleWeDont != nil {
					t.DiscoveredCount++
					cb.PeerHasBundleWeDont(key.key)
				}
				return
			}
			prefixLen++
			keyIdx = getBit(key.key, prefixLen)
		}

		if key.prefixLen <= prefixLen {
			continue
		}

		if key.minPrefixLen <= n.rec.prefixLen {
			except := int(keyIdx)
			t.queueLeaves(n, except)
		}

		if n.children[keyIdx] == nil {
			if key.prefixLen == KeyBits {
				if cb.PeerHasBundleWeDont != nil {
					t.DiscoveredCount++
					cb.PeerHasBundleWeDont(key.key)
				}
			} else {
				t.queueNode(n, false)
			}
			return
		}

		n = n.children[keyIdx]
		prefixLen++
	}
}

// VerifyXorInvariant checks that at every interior node, the XOR of
// all descendant leaves' keys equals the node's key in the bits
// at/after prefixLen. Returns an error describing the first violation
// found, for use by the corruption-detection path.
func (t *Tree) VerifyXorInvariant() error {
	return verifyNode(t.root)
}

func verifyNode(n *node) error {
	if n == nil || n.isLeaf() {
		return nil
	}
	var want syncid.Key
	xorChildren(n, &want)
	// only the bits from prefixLen onward are the fingerprint; the
	// leading bits are the path prefix and are allowed to differ from
	// the raw XOR (they get overwritten with copied prefix bits).
	for i := n.rec.prefixLen; i < KeyBits; i++ {
		if getBit(want, i) != getBit(n.rec.key, i) {
			return fmt.Errorf("synctree: xor invariant violated at prefix_len=%d bit=%d", n.rec.prefixLen, i)
		}
	}
	var nChildren int
	for _, c := range n.children {
		if c != nil {
			nChildren++
			if err := verifyNode(c); err != nil {
				return err
			}
		}
	}
	if nChildren == 1 {
		return fmt.Errorf("synctree: single-child node at prefix_len=%d (canonical form violated)", n.rec.prefixLen)
	}
	return nil
}
