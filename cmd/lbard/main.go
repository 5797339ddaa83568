// Command lbard is the process entrypoint: it parses the
// positional-and-flag CLI shape, opens the configured serial device or
// radio URI, wires up the engine, and runs the single-threaded main
// loop until killed or until a confused radio driver forces a restart.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/servalproject/lbard-go/internal/config"
	"github.com/servalproject/lbard-go/internal/engine"
	"github.com/servalproject/lbard-go/internal/fakeradio"
	"github.com/servalproject/lbard-go/internal/hf/callplan"
	"github.com/servalproject/lbard-go/internal/nlog"
	"github.com/servalproject/lbard-go/internal/radio"
	"github.com/servalproject/lbard-go/internal/radio/hfale"
	"github.com/servalproject/lbard-go/internal/radio/lora"
	"github.com/servalproject/lbard-go/internal/radio/outernet"
	"github.com/servalproject/lbard-go/internal/radio/uhf"
	"github.com/servalproject/lbard-go/internal/rhizome"
	"github.com/servalproject/lbard-go/internal/stats"
	"github.com/servalproject/lbard-go/internal/statusdump"
	"github.com/servalproject/lbard-go/internal/submitsrv"
	"github.com/servalproject/lbard-go/internal/syncid"
	"github.com/servalproject/lbard-go/internal/timesync"
)

// timeBroadcastPeriod is how often a "timemaster" node re-broadcasts its
// stratum/clock, independent of tickInterval.
const timeBroadcastPeriod = 1 * time.Second

// ourTimeStratum is the stratum value a "timemaster" node claims; every
// other node starts deep (255) so the first broadcast it hears from
// anyone always looks authoritative enough to adopt.
const ourTimeStratum = 1
const slaveStartStratum = 255

const tickInterval = 20 * time.Millisecond

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "lbard:", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	cfg, err := config.Parse(argv)
	if err != nil {
		return err
	}

	var sidPrefix [6]byte
	raw, err := hex.DecodeString(cfg.MySID)
	if err != nil || len(raw) < 6 {
		return fmt.Errorf("lbard: my-sid-hex must be at least 12 hex chars, got %q", cfg.MySID)
	}
	copy(sidPrefix[:], raw[:6])

	drv, err := openRadio(cfg)
	if err != nil {
		return err
	}

	client := rhizome.New("http://"+cfg.ServerAddr, cfg.AuthUser, cfg.AuthPass)

	reg := prometheus.NewRegistry()
	st := stats.New(reg)

	genID := syncid.DefaultGenerationID([]byte(cfg.MySID + strconv.FormatInt(time.Now().UnixNano(), 10)))
	eng := engine.New(sidPrefix, genID, syncid.DefaultSalt, drv, client, st, rand.New(rand.NewSource(time.Now().UnixNano())))
	eng.MeshMSOnly = cfg.MeshMSOnly
	eng.Announce = cfg.Announce

	if !cfg.NoHTTPD {
		srv := submitsrv.New(cfg.SubmitAddr, "/etc/lbard/recipients", cfg.MySID, client)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				nlog.Errorf("submission server exited: %v", err)
			}
		}()
	}

	timeConn, timeDestAddr, corrector, err := openTimeSync(cfg)
	if err != nil {
		return err
	}
	if timeConn != nil {
		defer timeConn.Close()
	}

	ctx := context.Background()
	lastPoll := time.Time{}
	lastTimeBroadcast := time.Time{}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for now := range ticker.C {
		if cfg.Pull && now.Sub(lastPoll) >= rhizome.ListPollIntervalDefault {
			pctx, cancel := context.WithTimeout(ctx, rhizome.ClampLoadTimeout(cfg.LoadTimeout))
			if err := eng.PollStore(pctx, cfg.MinVersion); err != nil {
				nlog.Warningf("store poll: %v", err)
			}
			cancel()
			lastPoll = now
		}

		if err := eng.Tick(now); err != nil {
			nlog.Errorf("tick: %v", err)
		}

		if eng.RadioStuck {
			eng.RadioStuck = false
			if cfg.RebootWhenStuck {
				return fmt.Errorf("lbard: radio driver unresponsive across four silent congestion windows")
			}
		}

		if timeConn != nil {
			serviceTimeSync(timeConn, timeDestAddr, corrector, cfg, now, &lastTimeBroadcast)
		}

		if cfg.Monitor {
			snap := eng.Snapshot(now)
			if err := statusdump.Write(hex.EncodeToString(sidPrefix[:]), snap); err != nil {
				nlog.Warningf("status dump: %v", err)
			}
		}
	}
	return nil
}

// openTimeSync opens the UDP time-sync socket if -udptime was given: a
// non-blocking receive socket bound to timesync.Port, plus (when
// -timemaster) the destination address broadcasts are sent to, and
// (when -timeslave) a Corrector that only ever nudges our clock toward
// a lower-stratum peer's.
func openTimeSync(cfg config.Config) (*net.UDPConn, *net.UDPAddr, *timesync.Corrector, error) {
	if !cfg.UDPTime {
		return nil, nil, nil, nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: timesync.Port})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("lbard: opening udptime socket: %w", err)
	}

	var dest *net.UDPAddr
	if cfg.TimeMaster {
		addrStr := cfg.TimeBroadcastAddr
		if addrStr == "" {
			addrStr = fmt.Sprintf("255.255.255.255:%d", timesync.Port)
		}
		dest, err = net.ResolveUDPAddr("udp4", addrStr)
		if err != nil {
			conn.Close()
			return nil, nil, nil, fmt.Errorf("lbard: resolving timebroadcast address %q: %w", addrStr, err)
		}
	}

	var corrector *timesync.Corrector
	if cfg.TimeSlave {
		corrector = timesync.NewCorrector(slaveStartStratum)
	}
	return conn, dest, corrector, nil
}

// serviceTimeSync drains whatever time-sync datagrams have arrived
// (non-blocking) and, on a timemaster node, re-broadcasts our own
// stratum/clock every timeBroadcastPeriod.
func serviceTimeSync(conn *net.UDPConn, dest *net.UDPAddr, corrector *timesync.Corrector, cfg config.Config, now time.Time, lastBroadcast *time.Time) {
	if dest != nil && now.Sub(*lastBroadcast) >= timeBroadcastPeriod {
		pkt := timesync.Packet{Stratum: ourTimeStratum, Seconds: uint64(now.Unix()), Microseconds: uint32(now.Nanosecond() / 1000)}
		if _, err := conn.WriteToUDP(timesync.Encode(pkt), dest); err != nil {
			nlog.Warningf("udptime: broadcast: %v", err)
		}
		*lastBroadcast = now
	}

	if corrector == nil {
		return
	}
	buf := make([]byte, timesync.PacketLen)
	if err := conn.SetReadDeadline(now.Add(time.Millisecond)); err != nil {
		return
	}
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // EAGAIN/timeout: nothing more waiting this tick
		}
		pkt, derr := timesync.Decode(buf[:n])
		if derr != nil {
			continue
		}
		if delta := corrector.Consider(pkt, now, now); delta != 0 {
			nlog.Infof("udptime: applied %v correction from stratum %d peer", delta, pkt.Stratum)
		}
	}
}

// openRadio constructs the radio driver named by cfg.Radio. The serial
// drivers open cfg.Serial as a device path ("auto" treats it as a
// comma-separated candidate list); the fake and outernet transports
// used for testing and satellite uplink are selected by name too.
func openRadio(cfg config.Config) (radio.Driver, error) {
	switch {
	case cfg.Radio == "auto":
		return autodetect(strings.Split(cfg.Serial, ","), cfg.Pieces)

	case cfg.Radio == "uhf":
		f, err := os.OpenFile(cfg.Serial, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("lbard: opening serial device %s: %w", cfg.Serial, err)
		}
		return uhf.New(f), nil

	case cfg.Radio == "hfale-barrett" || cfg.Radio == "hfale-codan":
		f, err := os.OpenFile(cfg.Serial, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("lbard: opening serial device %s: %w", cfg.Serial, err)
		}
		vendor := hfale.Barrett
		if cfg.Radio == "hfale-codan" {
			vendor = hfale.Codan
		}
		stations, err := callplan.ParseString(os.Getenv("LBARD_CALL_PLAN"))
		if err != nil {
			return nil, fmt.Errorf("lbard: parsing call plan: %w", err)
		}
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		d := hfale.New(f, vendor, 'A', stations, rng)
		d.SetPieceHint(cfg.Pieces)
		return d, nil

	case cfg.Radio == "lora":
		f, err := os.OpenFile(cfg.Serial, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("lbard: opening serial device %s: %w", cfg.Serial, err)
		}
		return lora.New(f), nil

	case cfg.Radio == "outernet":
		host, portStr, err := net.SplitHostPort(cfg.Serial)
		if err != nil {
			return nil, fmt.Errorf("lbard: outernet destination must be host:port, got %q", cfg.Serial)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("lbard: outernet port %q: %w", portStr, err)
		}
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, fmt.Errorf("lbard: opening outernet uplink socket: %w", err)
		}
		dest := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
		return outernet.New(conn, dest), nil

	case strings.HasPrefix(cfg.Radio, "fake"):
		return fakeradio.NewMedium(0, 1).NewNode(), nil

	default:
		return nil, fmt.Errorf("lbard: unknown radio driver %q", cfg.Radio)
	}
}

// detection is one probe's outcome: the serial device it ran against,
// the driver name it matched, and the still-open handle to hand to
// that driver's constructor.
type detection struct {
	path string
	name string
	f    *os.File
}

// autodetect probes every candidate serial device concurrently
// (spec §4.6/§4.7's detect(serial_fd) -> driver_id|none, one per
// candidate), bounded by an errgroup, and keeps whichever driver
// answers first. This is the one deliberate goroutine fan-out outside
// the cooperative main loop, alongside internal/rhizome's bounded
// manifest+payload fetch.
func autodetect(candidates []string, pieceHint int) (radio.Driver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var found *detection

	g, _ := errgroup.WithContext(ctx)
	for _, path := range candidates {
		path := strings.TrimSpace(path)
		if path == "" {
			continue
		}
		g.Go(func() error {
			f, err := os.OpenFile(path, os.O_RDWR, 0)
			if err != nil {
				return nil // unreachable candidate: not an error, just no match
			}
			name, ok := probeDevice(f)
			if !ok {
				f.Close()
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if found == nil {
				found = &detection{path: path, name: name, f: f}
				cancel()
			} else {
				f.Close()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if found == nil {
		return nil, fmt.Errorf("lbard: no recognized radio modem among %d candidate(s)", len(candidates))
	}
	return driverFor(found, pieceHint)
}

// probeDevice tries each known driver's Detect in turn against one
// already-open serial handle, returning the first that recognizes it.
func probeDevice(f *os.File) (string, bool) {
	if ok, _ := uhf.Detect(f); ok {
		return "uhf", true
	}
	if ok, _ := lora.Detect(f); ok {
		return "lora", true
	}
	if ok, _ := hfale.Detect(f, hfale.Barrett); ok {
		return "hfale-barrett", true
	}
	if ok, _ := hfale.Detect(f, hfale.Codan); ok {
		return "hfale-codan", true
	}
	return "", false
}

// driverFor constructs the matched driver around its already-open
// handle. HF ALE's call plan still comes from the environment, same
// as the non-autodetect path.
func driverFor(d *detection, pieceHint int) (radio.Driver, error) {
	switch d.name {
	case "uhf":
		return uhf.New(d.f), nil
	case "lora":
		return lora.New(d.f), nil
	case "hfale-barrett", "hfale-codan":
		vendor := hfale.Barrett
		if d.name == "hfale-codan" {
			vendor = hfale.Codan
		}
		stations, err := callplan.ParseString(os.Getenv("LBARD_CALL_PLAN"))
		if err != nil {
			return nil, fmt.Errorf("lbard: parsing call plan: %w", err)
		}
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		drv := hfale.New(d.f, vendor, 'A', stations, rng)
		drv.SetPieceHint(pieceHint)
		return drv, nil
	default:
		return nil, fmt.Errorf("lbard: autodetect matched unknown driver %q", d.name)
	}
}
