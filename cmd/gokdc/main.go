package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mjwhitta/cli"

	"github.com/kardianos/gokdc/config"
	"github.com/kardianos/gokdc/kdc"
	"github.com/kardianos/gokdc/krblog"
	"github.com/kardianos/gokdc/replay"
	"github.com/kardianos/gokdc/store"
)

// Exit codes
const (
	ExitSuccess = iota
	ExitError
	ExitMissingArg
)

var flags struct {
	config       string
	listen       string
	verbosity    int
	exportKeytab string
	addPrincipal string
}

func init() {
	cli.Align = true
	cli.Banner = fmt.Sprintf("%s [OPTIONS]", os.Args[0])
	cli.Info(
		"gokdc - Kerberos 5 key distribution center",
		"",
		"Serves AS and TGS exchanges over UDP and TCP for the realm",
		"described by the configuration file.",
	)
	cli.ExitStatus(
		"0 - Success",
		"1 - Error",
		"2 - Missing configuration",
	)

	cli.Flag(&flags.config, "c", "config", "/etc/gokdc.toml", "Configuration file")
	cli.Flag(&flags.listen, "l", "listen", "", "Listen address, overrides the file")
	cli.Flag(&flags.verbosity, "v", "verbosity", -1, "Log verbosity 0-3, overrides the file")
	cli.Flag(&flags.exportKeytab, "keytab", "", "Write every key in the store to this keytab and exit")
	cli.Flag(&flags.addPrincipal, "add-principal", "", "Seed comma separated name=password pairs before starting")
	cli.Parse()

	if flags.config == "" {
		cli.Usage(ExitMissingArg)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gokdc:", err)
		os.Exit(ExitError)
	}
}

func run() error {
	f, err := config.Load(flags.config)
	if err != nil {
		return err
	}
	if flags.listen != "" {
		f.Listen = flags.listen
	}
	if flags.verbosity >= 0 {
		f.Verbosity = flags.verbosity
	}
	for _, np := range strings.Split(flags.addPrincipal, ",") {
		if np == "" {
			continue
		}
		name, password, ok := strings.Cut(np, "=")
		if !ok || name == "" || password == "" {
			return fmt.Errorf("--add-principal %q: want name=password", np)
		}
		f.Principals = append(f.Principals, config.Principal{Name: name, Password: password})
	}
	if err := f.Validate(); err != nil {
		return err
	}
	logger := f.Logger(os.Stderr)

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, closeStore, err := f.OpenStore(logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := f.Seed(ctx, backend); err != nil {
		return err
	}

	if flags.exportKeytab != "" {
		kt, err := store.ToKeytab(ctx, backend)
		if err != nil {
			return err
		}
		if err := kt.Write(flags.exportKeytab); err != nil {
			return err
		}
		logger.Printf(krblog.AreaGeneral, "wrote %d keys for %d principals to %s", len(kt.Entries()), len(kt.Principals()), flags.exportKeytab)
		return nil
	}

	d, err := f.Durations()
	if err != nil {
		return err
	}
	cfg, err := f.EngineConfig(backend, replay.NewMemory(d.Skew), logger)
	if err != nil {
		return err
	}
	engine, err := kdc.NewEngine(cfg)
	if err != nil {
		return err
	}
	srv, err := kdc.NewServer(kdc.ServerConfig{ListenAddr: f.Listen, Logger: logger}, engine)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	if err := srv.Ready(ctx); err == nil {
		logger.Printf(krblog.AreaGeneral, "realm %s serving on %s (tcp) and %s (udp)", f.Realm, srv.Addr(), srv.UDPAddr())
	}

	// Wait for shutdown to complete
	srv.Wait()
	return nil
}
