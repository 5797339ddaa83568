// Package config parses the process's CLI shape:
//
//	lbard <server:port> <basic-auth> <my-sid-hex> <serial-port-or-uri> [options...]
//
// A flat struct with defaults, populated from the stdlib flag package
// rather than cobra/pflag since no pflag-using example survived
// retrieval (see DESIGN.md).
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/servalproject/lbard-go/internal/rhizome"
)

// Config is the fully resolved set of options for one lbard process.
type Config struct {
	ServerAddr string // "host:port" of the Rhizome HTTP daemon
	AuthUser   string
	AuthPass   string
	MySID      string // hex
	Serial     string // serial device path or radio URI

	Monitor           bool
	MeshMSOnly        bool
	MinVersion        uint64 // resolved to an epoch-ms-like version floor
	Pull              bool
	Radio             string // "uhf" | "hfale-barrett" | "hfale-codan" | "lora" | "outernet" | "auto"
	Pieces            int
	Announce          bool
	UDPTime           bool
	TimeMaster        bool
	TimeSlave         bool
	TimeBroadcastAddr string
	RebootWhenStuck   bool
	NoHTTPD           bool

	// SubmitAddr is the local listen address for the MeshMS submission
	// httpd (§6), distinct from ServerAddr (the Rhizome daemon we talk
	// to as a client). Defaults to all-interfaces port 0x5402, matching
	// the reference implementation's fixed httpd socket.
	SubmitAddr string

	LoadTimeout time.Duration
}

// DefaultSubmitPort is the fixed port the MeshMS submission httpd binds
// on every interface, ported from main.c's httpsocket setup
// (htons(0x5402)).
const DefaultSubmitPort = 0x5402

// Default returns a Config with every spec-mandated default applied.
func Default() Config {
	return Config{
		Radio:       "uhf",
		Pieces:      4,
		SubmitAddr:  fmt.Sprintf(":%d", DefaultSubmitPort),
		LoadTimeout: rhizome.ClampLoadTimeout(rhizome.ListPollIntervalDefault),
	}
}

// Parse parses argv (excluding the program name), a positional-then-flag
// shape. Returns a non-nil error (mapped by the
// caller to a non-zero exit code) on any malformed argument, matching
// "Exit code is non-zero on argument or port errors".
func Parse(argv []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("lbard", flag.ContinueOnError)
	monitor := fs.Bool("monitor", false, "write the HTML status page (/tmp/lbard_status-<sid>.html) every tick")
	meshmsonly := fs.Bool("meshmsonly", false, "only sync MeshMS service bundles")
	minversion := fs.String("minversion", "", "minimum bundle version/date to sync (ms epoch or YYYY/MM/DD)")
	pull := fs.Bool("pull", false, "enable polling the store for new bundles")
	radio := fs.String("radio", cfg.Radio, "radio driver: uhf|hfale-barrett|hfale-codan|lora|outernet|auto (auto probes comma-separated serial-port-or-uri candidates)")
	pieces := fs.Int("pieces", cfg.Pieces, "HF fragment piece-count hint")
	announce := fs.Bool("announce", false, "log each sync-tree root heartbeat broadcast (the heartbeat itself is always sent)")
	udptime := fs.Bool("udptime", false, "enable UDP time-sync broadcast/receive")
	timemaster := fs.Bool("timemaster", false, "act as a time-sync stratum source")
	timeslave := fs.Bool("timeslave", false, "accept time corrections from lower-stratum broadcasts")
	timebroadcast := fs.String("timebroadcast", "", "address to broadcast UDP time-sync packets to")
	rebootwhenstuck := fs.Bool("rebootwhenstuck", false, "exit non-zero after repeated radio-driver confusion")
	nohttpd := fs.Bool("nohttpd", false, "disable the local MeshMS submission HTTP server")
	submitaddr := fs.String("submitaddr", cfg.SubmitAddr, "listen address for the MeshMS submission httpd")

	if err := fs.Parse(argv); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	rest := fs.Args()
	if len(rest) < 4 {
		return Config{}, fmt.Errorf("config: expected <server:port> <basic-auth> <my-sid-hex> <serial-port-or-uri>, got %d positional args", len(rest))
	}
	cfg.ServerAddr = rest[0]
	if err := splitAuth(rest[1], &cfg); err != nil {
		return Config{}, err
	}
	cfg.MySID = rest[2]
	cfg.Serial = rest[3]

	cfg.Monitor = *monitor
	cfg.MeshMSOnly = *meshmsonly
	cfg.Pull = *pull
	cfg.Radio = *radio
	cfg.Pieces = *pieces
	cfg.Announce = *announce
	cfg.UDPTime = *udptime
	cfg.TimeMaster = *timemaster
	cfg.TimeSlave = *timeslave
	cfg.TimeBroadcastAddr = *timebroadcast
	cfg.RebootWhenStuck = *rebootwhenstuck
	cfg.NoHTTPD = *nohttpd
	cfg.SubmitAddr = *submitaddr

	if *minversion != "" {
		v, err := ParseMinVersion(*minversion)
		if err != nil {
			return Config{}, err
		}
		cfg.MinVersion = v
	}

	if cfg.TimeMaster && cfg.TimeSlave {
		return Config{}, fmt.Errorf("config: timemaster and timeslave are mutually exclusive")
	}

	return cfg, nil
}

func splitAuth(s string, cfg *Config) error {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return fmt.Errorf("config: basic-auth must be user:pass, got %q", s)
	}
	cfg.AuthUser, cfg.AuthPass = s[:i], s[i+1:]
	return nil
}

// ParseMinVersion accepts either a raw millisecond epoch or a
// YYYY/MM/DD date, resolving to
// the millisecond epoch value Rhizome bundle versions are compared
// against.
func ParseMinVersion(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	t, err := time.Parse("2006/01/02", s)
	if err != nil {
		return 0, fmt.Errorf("config: minversion %q is neither a millisecond epoch nor YYYY/MM/DD", s)
	}
	return uint64(t.UnixMilli()), nil
}
