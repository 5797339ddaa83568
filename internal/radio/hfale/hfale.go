// Package hfale implements the HF Automatic Link Establishment driver:
// a shared, TDMA-style link fed vendor text event codes, with a
// round-robin call list and per-station backoff.
package hfale

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/servalproject/lbard-go/internal/ecode"
	"github.com/servalproject/lbard-go/internal/nlog"
	"github.com/servalproject/lbard-go/internal/radio"
)

// State is one node in the HF ALE link-establishment state machine.
type State int

const (
	Disconnected State = iota
	CallRequested
	Connecting
	ALELink
	ALESending
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case CallRequested:
		return "CALLREQUESTED"
	case Connecting:
		return "CONNECTING"
	case ALELink:
		return "ALELINK"
	case ALESending:
		return "ALESENDING"
	case Disconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Vendor distinguishes the turnaround-delay formula.
type Vendor int

const (
	Barrett Vendor = iota
	Codan
)

// TurnaroundDelay computes the post-send wait before the link may be
// used again: Barrett 20+rand(10)s, Codan 10+rand(10)s.
func TurnaroundDelay(v Vendor, rng *rand.Rand) time.Duration {
	base := 10
	if v == Barrett {
		base = 20
	}
	jitter := 0
	if rng != nil {
		jitter = rng.Intn(10)
	}
	return time.Duration(base+jitter) * time.Second
}

const maxHexGroupBytes = 43

// station is one entry in the round-robin call list.
type station struct {
	name                string
	consecutiveFailures int
}

// Driver implements radio.Driver for an HF ALE link.
type Driver struct {
	w      radio.ReadWriter
	Vendor Vendor

	state     State
	stations  []station
	callIdx   int
	haveToken bool
	readyAt   time.Time
	rng       *rand.Rand
	rssi      radio.RSSIHistory
	rxBuf     []byte

	radioIDLetter byte
	inFrame       *rxFrame

	// maxPieces is the target AMD piece count one SendPacket call splits
	// into (§6 "pieces" CLI hint). It only takes effect when it yields
	// pieces smaller than maxHexGroupBytes, i.e. finer than the derived
	// ceil(len/maxHexGroupBytes) count; it never merges pieces. Finer
	// fragmentation trades more ALE turnarounds for fewer retransmitted
	// bytes per lost piece.
	maxPieces int
}

// SetPieceHint overrides the target piece count SendPacket fragments
// into; zero (the default) derives it from payload length alone.
func (d *Driver) SetPieceHint(n int) {
	d.maxPieces = n
}

// rxFrame accumulates the pieces of one inbound AMD message until all
// of them have arrived, keyed by the (radioIDLetter, piece_count) the
// sender stamped on every piece.
type rxFrame struct {
	letter byte
	total  int
	pieces map[int][]byte
}

// New constructs a driver for the given call-list stations.
func New(w radio.ReadWriter, vendor Vendor, radioIDLetter byte, callList []string, rng *rand.Rand) *Driver {
	d := &Driver{w: w, Vendor: vendor, radioIDLetter: radioIDLetter, rng: rng}
	for _, name := range callList {
		d.stations = append(d.stations, station{name: name})
	}
	return d
}

func (d *Driver) Name() string { return "hfale" }

// Detect probes for a Barrett- or Codan-class ALE controller by
// requesting its channel/link status and checking for the vendor's
// characteristic response prefix.
func Detect(w radio.ReadWriter, vendor Vendor) (bool, error) {
	probe := []byte("AILSTAT\r\n")
	want := []byte("ALE")
	if vendor == Codan {
		probe = []byte("AT&V\r\n")
		want = []byte("CODAN")
	}
	if _, err := w.Write(probe); err != nil {
		return false, ecode.Wrap(ecode.ErrRadioTransient, "hfale: probe write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := w.Read(buf)
	if err != nil {
		return false, nil
	}
	return bytes.Contains(buf[:n], want), nil
}

func (d *Driver) State() State { return d.state }

// ReadyToSend is false while the link is down or another side holds
// the shared-channel token.
func (d *Driver) ReadyToSend() bool {
	return d.state == ALELink && d.haveToken && time.Now().After(d.readyAt)
}

// ServiceTick drives call-list progression when disconnected, and
// parses any buffered vendor event-code lines.
func (d *Driver) ServiceTick(now time.Time) {
	d.drainEventLines()

	if d.state == Disconnected && len(d.stations) > 0 {
		d.placeCall()
	}
}

// nextStation applies round-robin with consecutive-failure backoff:
// stations with more failures are skipped more often.
func (d *Driver) nextStation() int {
	n := len(d.stations)
	for tries := 0; tries < n; tries++ {
		idx := d.callIdx % n
		d.callIdx++
		st := d.stations[idx]
		if st.consecutiveFailures == 0 {
			return idx
		}
		// pick with probability 1/(failures+1), so stations with more
		// failures are skipped more often
		if d.rng != nil && d.rng.Intn(st.consecutiveFailures+1) == 0 {
			return idx
		}
	}
	return d.callIdx % n
}

func (d *Driver) placeCall() {
	idx := d.nextStation()
	st := d.stations[idx]
	cmd := fmt.Sprintf("AXCALL %s\r\n", st.name)
	if _, err := d.w.Write([]byte(cmd)); err != nil {
		d.stations[idx].consecutiveFailures++
		return
	}
	d.state = CallRequested
}

// nextLine pulls one complete newline-terminated line out of d.rxBuf,
// or reports false if the buffer holds no complete line yet.
func (d *Driver) nextLine() ([]byte, bool) {
	idx := bytes.IndexByte(d.rxBuf, '\n')
	if idx < 0 {
		return nil, false
	}
	line := bytes.TrimSpace(d.rxBuf[:idx])
	d.rxBuf = d.rxBuf[idx+1:]
	return line, true
}

// drainEventLines reads buffered vendor response text and applies any
// complete lines to the state machine. Any AMD data-frame lines mixed
// in are also fed through applyDataLine's piece tracking so their
// effect on d.inFrame isn't lost between ReceiveBytes calls, but the
// reassembled packet (if any) is discarded here: this path is used
// from ServiceTick, which has no way to hand a packet back to the
// core (only ReceiveBytes does).
func (d *Driver) drainEventLines() {
	for {
		line, ok := d.nextLine()
		if !ok {
			return
		}
		if _, isData, _ := d.applyDataLine(line); isData {
			continue
		}
		d.applyEvent(string(line))
	}
}

// amdLinePrefix matches the literal text SendPacket writes ("AMD " +
// radio_id_letter + 2-digit piece index + 2-digit piece count + hex),
// so a driver reading back its own or a peer's AMD command recognizes
// the same framing it produces.
const amdLinePrefix = "AMD "

// applyDataLine recognizes an inline AMD data frame --
// (radio_id_letter, piece_index, piece_count) followed by a hex body
// -- and folds it into the in-progress reassembly. ok is true when
// line was consumed as a data frame (whether or not that completed a
// packet); callers fall back to event parsing when ok is false.
func (d *Driver) applyDataLine(line []byte) (pkt radio.ReceivedPacket, ok bool, err error) {
	s := string(line)
	if !strings.HasPrefix(s, amdLinePrefix) {
		return radio.ReceivedPacket{}, false, nil
	}
	rest := s[len(amdLinePrefix):]
	if len(rest) < 5 {
		return radio.ReceivedPacket{}, false, nil
	}
	letter := rest[0]
	idx, err1 := strconv.Atoi(rest[1:3])
	total, err2 := strconv.Atoi(rest[3:5])
	if err1 != nil || err2 != nil || total <= 0 || idx < 0 || idx >= total {
		return radio.ReceivedPacket{}, false, nil // not actually an AMD piece header
	}

	chunk, decErr := hex.DecodeString(rest[5:])
	if decErr != nil {
		return radio.ReceivedPacket{}, true, ecode.Wrap(ecode.ErrMalformedField, "hfale: bad hex in AMD piece %d/%d: %v", idx, total, decErr)
	}

	if d.inFrame == nil || d.inFrame.letter != letter || d.inFrame.total != total {
		d.inFrame = &rxFrame{letter: letter, total: total, pieces: make(map[int][]byte, total)}
	}
	d.inFrame.pieces[idx] = chunk
	if len(d.inFrame.pieces) < total {
		return radio.ReceivedPacket{}, true, nil // still waiting on other pieces
	}

	full := make([]byte, 0, total*maxHexGroupBytes)
	for i := 0; i < total; i++ {
		full = append(full, d.inFrame.pieces[i]...)
	}
	d.inFrame = nil
	return radio.ReceivedPacket{Data: full, RSSI: d.rssi.Average()}, true, nil
}

func (d *Driver) applyEvent(line string) {
	switch {
	case line == "":
		return
	case bytes.Contains([]byte(line), []byte("EV00")):
		if d.state == CallRequested {
			d.state = Connecting
		}
	case bytes.Contains([]byte(line), []byte("ALE-LINK")):
		d.state = ALELink
		d.haveToken = true
		for i := range d.stations {
			d.stations[i].consecutiveFailures = 0
		}
	case bytes.Contains([]byte(line), []byte("AILTBL")):
		// Reproduced faithfully from the vendor firmware quirk this
		// driver was ported from: an address/station table update
		// arriving while we believe the link is already up is treated
		// as a disconnect, even though the link may in fact still be
		// good. See DESIGN.md Open Question decisions.
		if d.state == ALELink {
			nlog.Warningf("hfale: AILTBL received during ALELINK, forcing disconnect")
			d.state = Disconnected
			d.haveToken = false
		}
	case bytes.Contains([]byte(line), []byte("DISCONNECT")):
		d.state = Disconnected
		d.haveToken = false
	}
}

// ReceiveBytes buffers raw serial bytes and extracts whole lines: AMD
// data-frame lines (radio_id_letter, piece_index, piece_count) + hex
// body are fed to applyDataLine and, once every piece of a message has
// arrived, returned as a reassembled packet; anything else is treated
// as a vendor event-code line and applied to the link state machine.
func (d *Driver) ReceiveBytes(buf []byte) ([]radio.ReceivedPacket, error) {
	d.rxBuf = append(d.rxBuf, buf...)
	var out []radio.ReceivedPacket
	for {
		line, ok := d.nextLine()
		if !ok {
			break
		}
		pkt, isData, err := d.applyDataLine(line)
		if err != nil {
			return out, err
		}
		if isData {
			if pkt.Data != nil {
				out = append(out, pkt)
			}
			continue
		}
		d.applyEvent(string(line))
	}
	return out, nil
}

// SendPacket fragments payload into ≤43-byte hex groups prefixed with
// (radio_id_letter, piece_index, piece_count) and issues them as the
// vendor AMD (automatic message display) command.
func (d *Driver) SendPacket(payload []byte) error {
	if !d.ReadyToSend() {
		return ecode.Wrap(ecode.ErrRadioConfused, "hfale: send attempted while not ready (state=%s)", d.state)
	}
	d.state = ALESending

	groupBytes := maxHexGroupBytes
	if d.maxPieces > 0 {
		if want := (len(payload) + d.maxPieces - 1) / d.maxPieces; want > 0 && want < groupBytes {
			groupBytes = want
		}
	}
	total := (len(payload) + groupBytes - 1) / groupBytes
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * groupBytes
		end := start + groupBytes
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		cmd := fmt.Sprintf("AMD %c%02d%02d%s\r\n", d.radioIDLetter, i, total, hex.EncodeToString(chunk))
		if _, err := d.w.Write([]byte(cmd)); err != nil {
			return ecode.Wrap(ecode.ErrRadioTransient, "hfale: send piece %d/%d: %v", i+1, total, err)
		}
	}

	d.haveToken = false
	d.readyAt = time.Now().Add(TurnaroundDelay(d.Vendor, d.rng))
	d.state = ALELink
	return nil
}
