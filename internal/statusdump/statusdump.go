// Package statusdump periodically writes /tmp/lbard_status*.html for
// operator monitoring. It is soft state: nothing downstream depends on
// these files surviving a restart.
package statusdump

import (
	"fmt"
	"html"
	"os"
	"strings"
	"time"
)

// PeerSummary is the subset of a peer's bookkeeping the status page
// displays.
type PeerSummary struct {
	SIDPrefix         string
	GenerationID      uint32
	LastSeenAgo       time.Duration
	AverageRSSI       int
	MissedPackets     int
	TxBundleBIDPrefix string
	TxQueueDepth      int
	ManifestOffset    uint16
	BodyOffset        uint32
}

// Snapshot is everything the dumper renders in one pass.
type Snapshot struct {
	GeneratedAt     time.Time
	OurSID          string
	OurGenerationID uint32
	BundleCount     int
	CongestionMS    time.Duration
	Peers           []PeerSummary
}

// Path returns the path the dumper writes to, e.g.
// "/tmp/lbard_status-<sid-prefix>.html" (spec: "/tmp/lbard_status*.html").
func Path(sidPrefix string) string {
	return fmt.Sprintf("/tmp/lbard_status-%s.html", sidPrefix)
}

// Render produces the status page HTML for a snapshot.
func Render(s Snapshot) string {
	var b strings.Builder
	b.WriteString("<html><head><title>LBARD status</title></head><body>\n")
	fmt.Fprintf(&b, "<h1>LBARD node %s</h1>\n", html.EscapeString(s.OurSID))
	fmt.Fprintf(&b, "<p>generated %s, generation id %08x</p>\n", s.GeneratedAt.Format(time.RFC3339), s.OurGenerationID)
	fmt.Fprintf(&b, "<p>bundles held: %d</p>\n", s.BundleCount)
	fmt.Fprintf(&b, "<p>congestion interval: %s</p>\n", s.CongestionMS)

	b.WriteString("<table border=\"1\">\n<tr><th>peer</th><th>gen</th><th>last seen</th><th>rssi</th><th>missed</th><th>tx bundle</th><th>queue</th><th>manifest off</th><th>body off</th></tr>\n")
	for _, p := range s.Peers {
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%08x</td><td>%s ago</td><td>%d</td><td>%d</td><td>%s</td><td>%d</td><td>%d</td><td>%d</td></tr>\n",
			html.EscapeString(p.SIDPrefix), p.GenerationID, p.LastSeenAgo.Round(time.Second),
			p.AverageRSSI, p.MissedPackets, html.EscapeString(p.TxBundleBIDPrefix), p.TxQueueDepth,
			p.ManifestOffset, p.BodyOffset)
	}
	b.WriteString("</table>\n</body></html>\n")
	return b.String()
}

// Write renders and atomically replaces the status file for sidPrefix.
// A temp-file-then-rename sequence is used so a concurrent reader (an
// operator's browser) never observes a half-written page.
func Write(sidPrefix string, s Snapshot) error {
	path := Path(sidPrefix)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(Render(s)), 0o644); err != nil {
		return fmt.Errorf("statusdump: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("statusdump: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}
