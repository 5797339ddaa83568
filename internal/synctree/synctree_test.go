package synctree_test

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/servalproject/lbard-go/internal/syncid"
	"github.com/servalproject/lbard-go/internal/synctree"
)

func keyFor(i int) syncid.Key {
	var k syncid.Key
	// spread bits out rather than using a simple counter, so the trie
	// actually branches instead of degenerating into one long chain.
	h := syncid.Hash64([]byte(fmt.Sprintf("bundle-%d", i)))
	for b := 0; b < 8; b++ {
		k[b] = byte(h >> (8 * b))
	}
	return k
}

// exchange runs sync rounds between a and b until both have discovered
// everything the other holds uniquely, or maxRounds is exceeded.
func exchange(a, b *synctree.Tree, maxRounds int) (discoveredByA, discoveredByB map[syncid.Key]bool) {
	discoveredByA = map[syncid.Key]bool{}
	discoveredByB = map[syncid.Key]bool{}
	buf := make([]byte, 200)

	for i := 0; i < maxRounds; i++ {
		n := a.BuildMessage(buf)
		if n > 0 {
			b.RecvMessage(buf[:n], synctree.Callbacks{
				PeerHasBundleWeDont: func(k syncid.Key) { discoveredByB[k] = true },
			})
		}
		n = b.BuildMessage(buf)
		if n > 0 {
			a.RecvMessage(buf[:n], synctree.Callbacks{
				PeerHasBundleWeDont: func(k syncid.Key) { discoveredByA[k] = true },
			})
		}
	}
	return
}

var _ = Describe("synctree", func() {
	It("keeps the XOR invariant and canonical form after many inserts", func() {
		t := synctree.New("t")
		for i := 0; i < 200; i++ {
			t.AddKey(keyFor(i), i)
		}
		Expect(t.VerifyXorInvariant()).To(Succeed())
		Expect(t.KeyCount).To(Equal(200))
	})

	It("converges two peers with one common bundle within 10 packets", func() {
		a := synctree.New("a")
		b := synctree.New("b")
		common := keyFor(1)
		a.AddKey(common, "B")
		b.AddKey(common, "B")

		discA, discB := exchange(a, b, 10)
		Expect(discA).To(BeEmpty())
		Expect(discB).To(BeEmpty())
	})

	It("converges asymmetric sets: A has 50 bundles B lacks", func() {
		a := synctree.New("a")
		b := synctree.New("b")
		want := map[syncid.Key]bool{}
		for i := 0; i < 50; i++ {
			k := keyFor(i)
			a.AddKey(k, i)
			want[k] = true
		}

		_, discB := exchange(a, b, 400)
		Expect(discB).To(Equal(want))
	})

	It("converges a three-way overlapping set", func() {
		a := synctree.New("a")
		b := synctree.New("b")
		c := synctree.New("c")

		// A: {1,2,3} B: {2,3,4} C: {3,4,5}
		for _, i := range []int{1, 2, 3} {
			a.AddKey(keyFor(i), i)
		}
		for _, i := range []int{2, 3, 4} {
			b.AddKey(keyFor(i), i)
		}
		for _, i := range []int{3, 4, 5} {
			c.AddKey(keyFor(i), i)
		}

		have := map[string]map[syncid.Key]bool{
			"a": {keyFor(1): true, keyFor(2): true, keyFor(3): true},
			"b": {keyFor(2): true, keyFor(3): true, keyFor(4): true},
			"c": {keyFor(3): true, keyFor(4): true, keyFor(5): true},
		}

		buf := make([]byte, 200)
		pairs := [][2]*synctree.Tree{{a, b}, {b, c}, {a, c}}
		for round := 0; round < 300; round++ {
			for _, p := range pairs {
				left, right := p[0], p[1]
				var lName, rName string
				switch left {
				case a:
					lName = "a"
				case b:
					lName = "b"
				case c:
					lName = "c"
				}
				switch right {
				case a:
					rName = "a"
				case b:
					rName = "b"
				case c:
					rName = "c"
				}
				n := left.BuildMessage(buf)
				if n > 0 {
					right.RecvMessage(buf[:n], synctree.Callbacks{
						PeerHasBundleWeDont: func(k syncid.Key) {
							if !have[rName][k] {
								right.AddKey(k, "fetched")
								have[rName][k] = true
							}
						},
					})
				}
				n = right.BuildMessage(buf)
				if n > 0 {
					left.RecvMessage(buf[:n], synctree.Callbacks{
						PeerHasBundleWeDont: func(k syncid.Key) {
							if !have[lName][k] {
								left.AddKey(k, "fetched")
								have[lName][k] = true
							}
						},
					})
				}
			}
		}

		all := map[syncid.Key]bool{}
		for _, i := range []int{1, 2, 3, 4, 5} {
			all[keyFor(i)] = true
		}
		Expect(have["a"]).To(Equal(all))
		Expect(have["b"]).To(Equal(all))
		Expect(have["c"]).To(Equal(all))
	})
})
