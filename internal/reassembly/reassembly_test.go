package reassembly_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/servalproject/lbard-go/internal/reassembly"
	"github.com/servalproject/lbard-go/internal/wire"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bid(b byte) [8]byte {
	var out [8]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func TestFragmentReassemblyCompletesBothStreams(t *testing.T) {
	table := reassembly.New(rand.New(rand.NewSource(1)))

	var submitted struct {
		manifest, body []byte
		called         bool
	}
	table.SubmitBundle = func(bidPrefix [8]byte, version uint64, manifest, body []byte) error {
		submitted.manifest = manifest
		submitted.body = body
		submitted.called = true
		return nil
	}

	id := bid(7)
	version := uint64(1 << 40) // not a journal version

	manifestFrag := wire.FragmentField{Kind: wire.FragManifest, BIDPrefix: id, Version: version, StartOffset: 0, EndOfStream: true, Payload: []byte("manifest-bytes")}
	bodyFrag1 := wire.FragmentField{Kind: wire.FragBody, BIDPrefix: id, Version: version, StartOffset: 0, Payload: []byte("hello ")}
	bodyFrag2 := wire.FragmentField{Kind: wire.FragBody, BIDPrefix: id, Version: version, StartOffset: 6, EndOfStream: true, Payload: []byte("world")}

	if _, err := table.OnFragment([2]byte{1, 1}, manifestFrag, testNow); err != nil {
		t.Fatalf("manifest fragment: %v", err)
	}
	if _, err := table.OnFragment([2]byte{1, 1}, bodyFrag1, testNow); err != nil {
		t.Fatalf("body fragment 1: %v", err)
	}
	if submitted.called {
		t.Fatalf("submitted before body complete")
	}
	if _, err := table.OnFragment([2]byte{1, 1}, bodyFrag2, testNow); err != nil {
		t.Fatalf("body fragment 2: %v", err)
	}

	if !submitted.called {
		t.Fatalf("expected bundle to be submitted on completion")
	}
	if string(submitted.manifest) != "manifest-bytes" {
		t.Fatalf("manifest mismatch: %q", submitted.manifest)
	}
	if string(submitted.body) != "hello world" {
		t.Fatalf("body mismatch: %q", submitted.body)
	}
}

func TestDuplicateFragmentTriggersJump(t *testing.T) {
	table := reassembly.New(rand.New(rand.NewSource(2)))
	id := bid(9)
	version := uint64(1 << 40)

	frag := wire.FragmentField{Kind: wire.FragBody, BIDPrefix: id, Version: version, StartOffset: 0, Payload: []byte("abcdef")}
	action1, err := table.OnFragment([2]byte{2, 2}, frag, testNow)
	if err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	if action1.JumpOffset {
		t.Fatalf("first (fresh) fragment should not request a jump")
	}

	action2, err := table.OnFragment([2]byte{3, 3}, frag, testNow)
	if err != nil {
		t.Fatalf("duplicate fragment: %v", err)
	}
	if !action2.JumpOffset {
		t.Fatalf("duplicate fragment should request a jump")
	}
}

func TestAlreadyHaveBundleSkipsAllocation(t *testing.T) {
	table := reassembly.New(nil)
	table.Have = func(bidPrefix [8]byte, version uint64) bool { return true }

	frag := wire.FragmentField{Kind: wire.FragBody, BIDPrefix: bid(1), Version: 5, Payload: []byte("x")}
	action, err := table.OnFragment([2]byte{0, 0}, frag, testNow)
	if err != nil {
		t.Fatalf("OnFragment: %v", err)
	}
	if !action.AlreadyHave {
		t.Fatalf("expected AlreadyHave to be set")
	}
}

func TestJournalPreseedsPriorBody(t *testing.T) {
	table := reassembly.New(nil)
	table.PriorVersion = func(bidPrefix [8]byte, version uint64) ([]byte, bool) {
		return []byte("previously-known-"), true
	}

	var submittedBody []byte
	table.SubmitBundle = func(_ [8]byte, _ uint64, _, body []byte) error {
		submittedBody = body
		return nil
	}

	id := bid(4)
	version := uint64(20) // < 2^32, so journalled

	frag := wire.FragmentField{
		Kind: wire.FragBody, BIDPrefix: id, Version: version,
		StartOffset: 17, EndOfStream: true, Payload: []byte("tail"),
	}
	if _, err := table.OnFragment([2]byte{0, 0}, frag, testNow); err != nil {
		t.Fatalf("OnFragment: %v", err)
	}
	m := wire.FragmentField{Kind: wire.FragManifest, BIDPrefix: id, Version: version, EndOfStream: true, Payload: []byte("m")}
	if _, err := table.OnFragment([2]byte{0, 0}, m, testNow); err != nil {
		t.Fatalf("manifest fragment: %v", err)
	}
	if string(submittedBody) != "previously-known-tail" {
		t.Fatalf("expected pre-seeded body plus tail, got %q", submittedBody)
	}
}

func TestCancelStaleFreesMatchingSlot(t *testing.T) {
	table := reassembly.New(rand.New(rand.NewSource(4)))
	id := bid(3)

	frag := wire.FragmentField{Kind: wire.FragBody, BIDPrefix: id, Version: 5, StartOffset: 0, Payload: []byte("partial")}
	if _, err := table.OnFragment([2]byte{0, 0}, frag, testNow); err != nil {
		t.Fatalf("OnFragment: %v", err)
	}

	table.CancelStale(id, 5)

	// A fresh fragment for the same (bid, version) must allocate a new
	// slot from scratch rather than resuming the cancelled one: redeliver
	// the manifest and body so the bundle can still complete.
	var gotSubmit bool
	table.SubmitBundle = func([8]byte, uint64, []byte, []byte) error { gotSubmit = true; return nil }
	m := wire.FragmentField{Kind: wire.FragManifest, BIDPrefix: id, Version: 5, EndOfStream: true, Payload: []byte("m")}
	b := wire.FragmentField{Kind: wire.FragBody, BIDPrefix: id, Version: 5, EndOfStream: true, Payload: []byte("b")}
	if _, err := table.OnFragment([2]byte{0, 0}, m, testNow); err != nil {
		t.Fatal(err)
	}
	if _, err := table.OnFragment([2]byte{0, 0}, b, testNow); err != nil {
		t.Fatal(err)
	}
	if !gotSubmit {
		t.Fatalf("expected submission after cancel + fresh fragments")
	}
}

func TestAlreadyCompleteRemembersRecent(t *testing.T) {
	table := reassembly.New(rand.New(rand.NewSource(3)))
	id := bid(2)
	version := uint64(1 << 40)
	var gotSubmit bool
	table.SubmitBundle = func([8]byte, uint64, []byte, []byte) error { gotSubmit = true; return nil }

	m := wire.FragmentField{Kind: wire.FragManifest, BIDPrefix: id, Version: version, EndOfStream: true, Payload: []byte("m")}
	b := wire.FragmentField{Kind: wire.FragBody, BIDPrefix: id, Version: version, EndOfStream: true, Payload: []byte("b")}
	if _, err := table.OnFragment([2]byte{0, 0}, m, testNow); err != nil {
		t.Fatal(err)
	}
	if _, err := table.OnFragment([2]byte{0, 0}, b, testNow); err != nil {
		t.Fatal(err)
	}
	if !gotSubmit {
		t.Fatalf("expected submission")
	}
	if !table.AlreadyComplete(id, version) {
		t.Fatalf("expected AlreadyComplete to report true after completion")
	}
}
