package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ha1tch/tdsfrontend/internal/config"
	"github.com/ha1tch/tdsfrontend/internal/obslog"
	"github.com/ha1tch/tdsfrontend/tds"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := config.Parse(args, stderr)
	if err != nil {
		return 2
	}

	if cfg.ShowHelp {
		return 0
	}
	if cfg.ShowVersion {
		fmt.Fprintln(stdout, "tdsfrontend version "+version)
		return 0
	}

	level, err := obslog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "warning: %v, defaulting to info\n", err)
	}
	format := obslog.FormatText
	if cfg.LogFormat == "json" {
		format = obslog.FormatJSON
	}
	logger := obslog.New(obslog.Config{
		DefaultLevel: level,
		Output:       stderr,
		Format:       format,
	})

	srvCtx := tds.DefaultServerContext(cfg.ServerName)
	srvCtx.DefaultPktSize = uint32(cfg.PacketSize)
	srvCtx.MaxPktSize = uint32(cfg.MaxPacketSize)
	srvCtx.SessionLimit = cfg.SessionLimit
	srvCtx.ReadTimeout = cfg.ReadTimeout
	srvCtx.WriteTimeout = cfg.WriteTimeout
	srvCtx.IdleTimeout = cfg.IdleTimeout

	handler := newEchoHandler(logger)

	var opts []tds.ServerOption
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		opts = append(opts, tds.WithTLSFiles(cfg.TLSCertFile, cfg.TLSKeyFile))
	}

	srv, err := tds.NewServer(srvCtx, handler, logger, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "error creating server: %v\n", err)
		return 1
	}

	if err := srv.Listen(cfg.Addr); err != nil {
		fmt.Fprintf(stderr, "error starting listener: %v\n", err)
		return 1
	}

	if !cfg.NoBanner {
		fmt.Fprint(stdout, `
      ,___,
     (O,O )
     /)___)
      "--"
`)
	}
	fmt.Fprintf(stdout, "tdsfrontend started (version %s)\n", version)
	fmt.Fprintf(stdout, "  Listening: %s\n", srv.Addr().String())
	fmt.Fprintf(stdout, "  Packet size: default=%d max=%d\n", srvCtx.DefaultPktSize, srvCtx.MaxPktSize)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.System().Info("shutdown signal received", "signal", sig.String())
		fmt.Fprintln(stdout, "\nShutting down...")
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(stderr, "listener error: %v\n", err)
		}
	}

	if err := srv.Close(); err != nil {
		fmt.Fprintf(stderr, "error stopping server: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Server stopped")
	return 0
}
