package galera

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
)

// PacketConfig bounds the fragmentation codec's packet size (spec §4.1,
// §6 configuration knob). Grouped the way
// examples/word-count/wordcountctl/main.go groups mbp.AddressConfig.
type PacketConfig struct {
	Size int `long:"size" env:"SIZE" default:"64500" description:"Maximum packet size in bytes, recommended as a multiple of the network MTU"`
}

// LogConfig configures the process-wide standard logrus logger, mirroring
// the teacher's mbp.LogConfig group: level, format and self-timestamp
// knobs. It has no log file sink or callback option; output goes to the
// logger's default writer.
type LogConfig struct {
	Level          string `long:"level" env:"LEVEL" default:"info" description:"Logging level: trace, debug, info, warn, error"`
	Format         string `long:"format" env:"FORMAT" default:"text" description:"Logging format: text, json"`
	SelfTimestamp  bool   `long:"self-timestamp" env:"SELF_TIMESTAMP" description:"Include timestamps rather than deferring to the log collector"`
}

// Apply configures the standard logrus logger per |c|.
func (c LogConfig) Apply() error {
	var lvl, err = log.ParseLevel(c.Level)
	if err != nil {
		return errors.WithMessage(err, "parsing log level")
	}
	log.SetLevel(lvl)

	switch strings.ToLower(c.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{DisableTimestamp: !c.SelfTimestamp})
	default:
		log.SetFormatter(&log.TextFormatter{DisableTimestamp: !c.SelfTimestamp, FullTimestamp: c.SelfTimestamp})
	}
	return nil
}

// StoreConfig configures the donor-side durable action log (spec §4.4),
// grouped the way PacketConfig and LogConfig are.
type StoreConfig struct {
	Dir string `long:"dir" env:"DIR" description:"Directory for the local durable action log; if unset, Join replays no donor history and Init uses only the caller's hint"`
}

// TLSConfig configures transport-level TLS for backends that support it.
// The password is read as the first line of PasswordFile rather than
// accepted directly on the command line, matching the teacher pack's
// convention of never accepting secrets as plain flags.
type TLSConfig struct {
	Verify       bool   `long:"verify" env:"VERIFY" description:"Verify the peer certificate"`
	CertFile     string `long:"cert-file" env:"CERT_FILE" description:"Path to the client certificate"`
	KeyFile      string `long:"key-file" env:"KEY_FILE" description:"Path to the client private key"`
	PasswordFile string `long:"password-file" env:"PASSWORD_FILE" description:"Path to a file whose first line is the private key password"`
}

// Password reads and returns the first line of PasswordFile, or "" if none
// is configured.
func (c TLSConfig) Password() (string, error) {
	if c.PasswordFile == "" {
		return "", nil
	}
	var f, err = os.Open(c.PasswordFile)
	if err != nil {
		return "", errors.WithMessage(err, "opening password file")
	}
	defer f.Close()

	var sc = bufio.NewScanner(f)
	if sc.Scan() {
		return sc.Text(), nil
	}
	return "", errors.WithMessage(sc.Err(), "reading password file")
}

// Options bundles every cross-cutting collaborator a Connection needs,
// threaded explicitly through Create rather than held as package-level
// state (spec §9, "Global connection state" design note), matching
// consumer.Service's pattern of carrying Resolver/Etcd/Journals/Loopback
// as struct fields.
type Options struct {
	Packet PacketConfig
	TLS    TLSConfig
	Store  StoreConfig

	// RecvQueueDepth bounds the receive queue (spec §4.2); 0 means
	// unbounded.
	RecvQueueDepth int
	// FlowHigh/FlowLow are the receive queue water marks package flow
	// evaluates (spec §4.5).
	FlowHigh, FlowLow int

	// Registerer receives this Connection's Prometheus collectors. A nil
	// Registerer disables metrics registration.
	Registerer prometheus.Registerer
}

// DefaultOptions returns an Options with the spec's recommended defaults.
func DefaultOptions() *Options {
	return &Options{
		Packet:         PacketConfig{Size: 64500},
		RecvQueueDepth: 4096,
		FlowHigh:       3072,
		FlowLow:        1024,
	}
}
