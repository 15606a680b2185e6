// Package config parses the TDS frontend's flag- and environment-based
// configuration, grounded on the same short/long flag coalescing style
// the rest of this stack's CLI entry points use.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"
)

// Config holds everything needed to stand up a Server: listener
// address, packet-size defaults, TLS material, timeouts, and logging.
type Config struct {
	Addr string

	PacketSize    int
	MaxPacketSize int
	SessionLimit  int

	TLSCertFile string
	TLSKeyFile  string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	LogLevel  string
	LogFormat string

	ServerName string

	ShowVersion bool
	ShowHelp    bool
	NoBanner    bool
}

// envPacketSizeVar names the environment override for default packet
// size, per the external-interfaces contract.
const envPacketSizeVar = "QP_PACKET_SIZE"

// Default returns a Config with this frontend's baseline values.
func Default() Config {
	return Config{
		Addr:          ":1433",
		PacketSize:    4096,
		MaxPacketSize: 65535,
		SessionLimit:  1000,
		ReadTimeout:   0,
		WriteTimeout:  0,
		IdleTimeout:   0,
		LogLevel:      "info",
		LogFormat:     "text",
		ServerName:    "tdsfrontend",
	}
}

// Parse builds a Config from args, coalescing short/long flag pairs and
// applying the QP_PACKET_SIZE environment override, matching this
// stack's flag.NewFlagSet-per-invocation pattern rather than a global
// flag.CommandLine so tests can call Parse repeatedly.
func Parse(args []string, stderr io.Writer) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("tdsfrontend", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		addr      = fs.String("addr", cfg.Addr, "Listen address")
		addrL     = fs.String("a", cfg.Addr, "Listen address (short)")
		pktSize   = fs.Int("packet-size", cfg.PacketSize, "Default negotiated packet size")
		maxConns  = fs.Int("max-conns", cfg.SessionLimit, "Maximum concurrent sessions (0 = unlimited)")
		certFile  = fs.String("tls-cert", "", "TLS certificate file (PEM)")
		keyFile   = fs.String("tls-key", "", "TLS private key file (PEM)")
		readTO    = fs.Duration("read-timeout", 0, "Per-read socket deadline (0 = none)")
		writeTO   = fs.Duration("write-timeout", 0, "Per-write socket deadline (0 = none)")
		idleTO    = fs.Duration("idle-timeout", 0, "Idle connection timeout (0 = none)")
		logLevel  = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		logFormat = fs.String("log-format", cfg.LogFormat, "Log format (text, json)")
		srvName   = fs.String("server-name", cfg.ServerName, "Server name reported in LOGINACK")
		showHelp  = fs.Bool("h", false, "Show help")
		showHelpL = fs.Bool("help", false, "Show help")
		showVer   = fs.Bool("v", false, "Show version")
		showVerL  = fs.Bool("version", false, "Show version")
		noBanner  = fs.Bool("no-banner", false, "Suppress startup banner")
	)

	fs.Usage = func() { printUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Addr = *addr
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "a" {
			cfg.Addr = *addrL
		}
	})
	cfg.PacketSize = *pktSize
	cfg.SessionLimit = *maxConns
	cfg.TLSCertFile = *certFile
	cfg.TLSKeyFile = *keyFile
	cfg.ReadTimeout = *readTO
	cfg.WriteTimeout = *writeTO
	cfg.IdleTimeout = *idleTO
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.ServerName = *srvName
	cfg.ShowHelp = *showHelp || *showHelpL
	cfg.ShowVersion = *showVer || *showVerL
	cfg.NoBanner = *noBanner
	if cfg.ShowHelp {
		printUsage(stderr)
	}

	if v := os.Getenv(envPacketSizeVar); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.PacketSize = n
		}
	}

	return cfg, nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `tdsfrontend - wire-compatible TDS server frontend for a SQL proxy

Usage:
  tdsfrontend [options]

Options:
  -a, --addr <addr>         Listen address (default ":1433")
  --packet-size <n>         Default negotiated packet size (default 4096)
  --max-conns <n>           Maximum concurrent sessions, 0 = unlimited (default 1000)
  --tls-cert <file>         TLS certificate file (PEM); auto-generates a self-signed cert if unset
  --tls-key <file>          TLS private key file (PEM)
  --read-timeout <dur>      Per-read socket deadline (default: none)
  --write-timeout <dur>     Per-write socket deadline (default: none)
  --idle-timeout <dur>      Idle connection timeout (default: none)
  --log-level <level>       debug, info, warn, error (default "info")
  --log-format <format>     text, json (default "text")
  --server-name <name>      Server name reported in LOGINACK (default "tdsfrontend")
  -h, --help                Show help
  -v, --version             Show version
  --no-banner               Suppress startup banner

Environment:
  QP_PACKET_SIZE            Overrides --packet-size

Exit Codes:
  0  Success
  1  Runtime error
  2  CLI usage error
`)
}
