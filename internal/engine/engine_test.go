package engine

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/servalproject/lbard-go/internal/fakeradio"
	"github.com/servalproject/lbard-go/internal/rhizome"
	"github.com/servalproject/lbard-go/internal/stats"
	"github.com/servalproject/lbard-go/internal/syncid"
)

func newTestEngine(sid [6]byte, gen uint32, drv *fakeradio.Driver, seed int64) *Engine {
	reg := prometheus.NewRegistry()
	return New(sid, gen, syncid.DefaultSalt, drv, nil, stats.New(reg), rand.New(rand.NewSource(seed)))
}

func tick(t *testing.T, engines []*Engine, now *time.Time, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		for _, e := range engines {
			e.Tick(*now)
		}
		*now = now.Add(20 * time.Millisecond)
	}
}

// TestTwoNodeBundleConvergence exercises a two-node scenario:
// a bundle registered on one node's store should be discovered via the
// sync tree and its fragments delivered to the other node's reassembly
// table without either side knowing about the other in advance.
func TestTwoNodeBundleConvergence(t *testing.T) {
	medium := fakeradio.NewMedium(0, 1)
	drvA := medium.NewNode()
	drvB := medium.NewNode()

	sidA := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	sidB := [6]byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16}

	engA := newTestEngine(sidA, 1001, drvA, 1)
	engB := newTestEngine(sidB, 2002, drvB, 2)

	manifest := []byte("bundle manifest body without recognized key lines\n")
	body := []byte("the quick brown fox jumps over the lazy dog")

	bidHex := "aa112233445566778899aabbccddeeff0011223344556677889900aabbccdd"
	fileHashHex := "ff00112233445566778899aabbccddeeff0011223344556677889900aabbcc"

	row := rhizome.Row{BID: bidHex, Version: 1, FileHash: fileHashHex, FileSize: uint64(len(body)), Service: "file"}
	if _, err := engA.Store.RegisterBundle(row); err != nil {
		t.Fatalf("registering bundle on node A: %v", err)
	}

	var prefix [8]byte
	copy(prefix[:], []byte{0xaa, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77})
	engA.bundleCache[prefix] = cachedBundle{manifest: manifest, body: body}

	var gotManifest, gotBody []byte
	completed := false
	engB.Partial.SubmitBundle = func(bidPrefix [8]byte, version uint64, m, b []byte) error {
		completed = true
		gotManifest, gotBody = m, b
		return nil
	}

	now := time.Now()
	tick(t, []*Engine{engA, engB}, &now, 400)

	if !completed {
		t.Fatalf("bundle never reached node B's reassembly table after 400 rounds")
	}
	if !bytes.Equal(gotManifest, manifest) {
		t.Errorf("manifest mismatch: got %q want %q", gotManifest, manifest)
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("body mismatch: got %q want %q", gotBody, body)
	}
}

// TestLossyChannelStillConverges exercises the same scenario with
// uniform packet loss, trading convergence speed for reliability.
func TestLossyChannelStillConverges(t *testing.T) {
	medium := fakeradio.NewMedium(0.3, 7)
	drvA := medium.NewNode()
	drvB := medium.NewNode()

	sidA := [6]byte{0x21, 0x22, 0x23, 0x24, 0x25, 0x26}
	sidB := [6]byte{0x31, 0x32, 0x33, 0x34, 0x35, 0x36}

	engA := newTestEngine(sidA, 3003, drvA, 3)
	engB := newTestEngine(sidB, 4004, drvB, 4)

	manifest := []byte("another small manifest\n")
	body := []byte("short body")

	bidHex := "bb112233445566778899aabbccddeeff0011223344556677889900aabbccdd"
	fileHashHex := "cc00112233445566778899aabbccddeeff0011223344556677889900aabbcc"

	row := rhizome.Row{BID: bidHex, Version: 1, FileHash: fileHashHex, FileSize: uint64(len(body)), Service: "file"}
	if _, err := engA.Store.RegisterBundle(row); err != nil {
		t.Fatalf("registering bundle on node A: %v", err)
	}

	var prefix [8]byte
	copy(prefix[:], []byte{0xbb, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77})
	engA.bundleCache[prefix] = cachedBundle{manifest: manifest, body: body}

	completed := false
	engB.Partial.SubmitBundle = func(bidPrefix [8]byte, version uint64, m, b []byte) error {
		completed = true
		return nil
	}

	now := time.Now()
	tick(t, []*Engine{engA, engB}, &now, 2000)

	if !completed {
		t.Fatalf("bundle never reached node B over a 30%% lossy channel after 2000 rounds")
	}
}

// TestGenerationChangeResetsPeerState confirms that a peer announcing a
// new generation id (simulating a restart) clears stale transmit
// offsets rather than applying them to a freshly reseeded sync tree.
func TestGenerationChangeResetsPeerState(t *testing.T) {
	medium := fakeradio.NewMedium(0, 1)
	drvA := medium.NewNode()
	drvB := medium.NewNode()

	sidA := [6]byte{0x41, 0x42, 0x43, 0x44, 0x45, 0x46}
	sidB := [6]byte{0x51, 0x52, 0x53, 0x54, 0x55, 0x56}

	engA := newTestEngine(sidA, 5005, drvA, 5)
	engB := newTestEngine(sidB, 6006, drvB, 6)

	now := time.Now()
	tick(t, []*Engine{engA, engB}, &now, 10)

	peerB := engA.Peers.Get(sidB)
	if peerB.GenerationID != 6006 {
		t.Fatalf("node A never learned node B's generation id, got %08x", peerB.GenerationID)
	}

	peerB.ManifestOffset = 42
	peerB.BodyOffset = 99

	engB.GenerationID = 7007
	tick(t, []*Engine{engA, engB}, &now, 10)

	peerB = engA.Peers.Get(sidB)
	if peerB.GenerationID != 7007 {
		t.Fatalf("node A never observed node B's new generation id, got %08x", peerB.GenerationID)
	}
	if peerB.ManifestOffset != 0 || peerB.BodyOffset != 0 {
		t.Fatalf("stale offsets survived a generation change: manifest=%d body=%d", peerB.ManifestOffset, peerB.BodyOffset)
	}
}

// TestSendOutgoingWithNoPeersStillTransmitsTimeAndGeneration checks the
// baseline case (no peers heard yet) still produces a valid FEC-wrapped
// packet carrying the time/generation fields and the root sync heartbeat.
func TestSendOutgoingWithNoPeersStillTransmitsTimeAndGeneration(t *testing.T) {
	medium := fakeradio.NewMedium(0, 1)
	drv := medium.NewNode()
	eng := newTestEngine([6]byte{1, 2, 3, 4, 5, 6}, 1, drv, 1)

	now := time.Now()
	if err := eng.sendOutgoing(now); err != nil {
		t.Fatalf("sendOutgoing with no peers: %v", err)
	}
	if len(eng.LastOutgoing) == 0 {
		t.Fatalf("expected a packet to be transmitted")
	}
}
