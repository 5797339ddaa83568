package rhizome

import (
	"encoding/hex"

	"github.com/servalproject/lbard-go/internal/syncid"
	"github.com/servalproject/lbard-go/internal/synctree"
)

// BundleRecord is the store's bookkeeping for one bundle.
type BundleRecord struct {
	BIDHex    string
	BIDPrefix [8]byte
	Version   uint64
	FileHash  string
	Length    uint64
	Service   string
}

// CancelPartials is invoked when a newer version of a bundle displaces
// an older one, so any in-flight reassembly of the stale version can
// be dropped rather than completed into a record nothing references
// anymore.
type CancelPartials func(bidPrefix [8]byte, staleVersion uint64)

// KeyAdded is invoked every time a sync key is learned, in addition to
// it being folded into Store.Tree. The engine uses this to fan the key
// out to every per-peer sync tree, since each peer needs its own view
// of what we hold independent of what we've told that peer so far.
type KeyAdded func(key syncid.Key, bidHex string)

// Store mirrors the subset of Rhizome bundle metadata this node cares
// about, keyed by full BID so journal/version bookkeeping is exact.
type Store struct {
	Salt             [syncid.SaltLen]byte
	Tree             *synctree.Tree
	OnCancelPartials CancelPartials
	OnKeyAdded       KeyAdded

	records map[string]BundleRecord
}

// NewStore constructs an empty mirror bound to the given sync tree.
func NewStore(tree *synctree.Tree, salt [syncid.SaltLen]byte) *Store {
	return &Store{Salt: salt, Tree: tree, records: make(map[string]BundleRecord)}
}

// HaveAtLeast reports whether the store already holds bidPrefix at a
// version ≥ version (used by internal/reassembly to skip slots for
// bundles we already have).
func (s *Store) HaveAtLeast(bidPrefix [8]byte, version uint64) bool {
	for _, r := range s.records {
		if r.BIDPrefix == bidPrefix && r.Version >= version {
			return true
		}
	}
	return false
}

// PriorVersionExists reports whether we hold an older version of this
// journal bundle, without returning its body (callers needing the body
// bytes go through the local store's own content-addressed retrieval,
// out of scope for this mirror).
func (s *Store) PriorVersionExists(bidPrefix [8]byte, version uint64) (priorVersion uint64, ok bool) {
	for _, r := range s.records {
		if r.BIDPrefix == bidPrefix && r.Version < version {
			if !ok || r.Version > priorVersion {
				priorVersion, ok = r.Version, true
			}
		}
	}
	return priorVersion, ok
}

// RegisterBundle implements register_bundle: insert new,
// or update-and-cancel-stale-partials if row.Version is newer; adds
// the sync key to the tree either way new information is learned.
// updated reports whether the record actually changed.
func (s *Store) RegisterBundle(row Row) (updated bool, err error) {
	raw, err := hex.DecodeString(row.BID)
	if err != nil || len(raw) < 8 {
		return false, errBadBID(row.BID)
	}
	var prefix [8]byte
	copy(prefix[:], raw[:8])

	existing, had := s.records[row.BID]
	if had && row.Version <= existing.Version {
		return false, nil
	}

	rec := BundleRecord{
		BIDHex:    row.BID,
		BIDPrefix: prefix,
		Version:   row.Version,
		FileHash:  row.FileHash,
		Length:    row.FileSize,
		Service:   row.Service,
	}
	s.records[row.BID] = rec

	key := syncid.Compute(s.Salt, row.BID, row.FileHash, row.FileSize, row.Version)
	s.Tree.AddKey(key, row.BID)
	if s.OnKeyAdded != nil {
		s.OnKeyAdded(key, row.BID)
	}

	if had && s.OnCancelPartials != nil {
		s.OnCancelPartials(prefix, existing.Version)
	}
	return true, nil
}

// AllRecords returns every bundle record currently mirrored, in no
// particular order. Used by the engine to seed a freshly discovered
// peer's per-peer sync tree with every key we already hold.
func (s *Store) AllRecords() []BundleRecord {
	out := make([]BundleRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// Key recomputes the sync key for a bundle record (same formula
// RegisterBundle used when it first added the key to the tree).
func (s *Store) Key(r BundleRecord) syncid.Key {
	return syncid.Compute(s.Salt, r.BIDHex, r.FileHash, r.Length, r.Version)
}

// Record looks up a mirrored bundle by its full hex BID, e.g. to
// resolve a sync tree leaf's BundleRef (always a BID hex string) back
// into the metadata needed to admit it into a peer's transmit queue.
func (s *Store) Record(bidHex string) (BundleRecord, bool) {
	r, ok := s.records[bidHex]
	return r, ok
}

// MinVersionFilter reports whether row should be admitted given the
// configured min_version floor, honoring the journal exemption (spec
// §4.9: "Journal bundles (service = MeshMS2) are exempt from the
// min_version age filter").
func MinVersionFilter(row Row, minVersion uint64) bool {
	if IsJournalService(row.Service) {
		return true
	}
	return row.Version >= minVersion
}

type bidError string

func (e bidError) Error() string { return string(e) }

func errBadBID(bid string) error {
	return bidError("rhizome: malformed BID " + bid)
}
