// Command r2brokerd wires the Credential Store, Provider Client, Folder
// Cache, Transfer Engine, and HTTP Broker into one process, binds a
// loopback listener, and serves the JSON API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/jacobsa/daemonize"

	"github.com/cloudflare-r2-browser/core/broker"
	"github.com/cloudflare-r2-browser/core/cmn"
	"github.com/cloudflare-r2-browser/core/credstore"
	"github.com/cloudflare-r2-browser/core/foldercache"
	"github.com/cloudflare-r2-browser/core/transfer"
)

func main() {
	port := flag.Int("port", 0, "port to listen on; 0 picks an ephemeral port")
	logFile := flag.String("logfile", "", "path to write logs to; empty means stderr")
	pidFile := flag.String("pidfile", "", "path to write this process's pid to")
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if err := run(*port, *logFile, *pidFile, *configPath); err != nil {
		daemonize.SignalOutcome(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(port int, logFile, pidFile, configPath string) error {
	var logOut io.Writer = os.Stderr
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		logOut = f
	}
	cmn.SetOutput(logOut)

	cfg, err := cmn.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cmn.SetLevel(cmn.ParseLevel(cfg.LogLevel))
	cmn.GCOSet(cfg)

	settingsDir, err := cmn.SettingsDir()
	if err != nil {
		return fmt.Errorf("resolving settings dir: %w", err)
	}

	credStore := credstore.New(settingsDir)
	cache := foldercache.New(cfg.CacheCapacity, cfg.CacheTTL, cfg.CacheStaleness)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	boundPort := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &http.Server{}
	onShutdown := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		cancel()
	}

	// A provider-less engine is still useful: transfers enqueued before
	// credentials exist simply fail fast with a clear error, rather than
	// blocking broker startup on their presence.
	engine, err := transfer.New(nil, cache, cfg)
	if err != nil {
		return fmt.Errorf("constructing transfer engine: %w", err)
	}
	defer engine.Close()

	b, err := broker.New(credStore, cache, engine, cfg, onShutdown)
	if err != nil {
		return fmt.Errorf("constructing broker: %w", err)
	}
	srv.Handler = b.Handler()

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("writing pidfile: %w", err)
		}
	}

	cmn.Infof("LISTENING PORT=%d", boundPort)
	fmt.Fprintf(logOut, "LISTENING PORT=%d\n", boundPort)
	// daemonize.Run's handshake buffer observes the child's real stdout
	// (it redirects the child's Stdout/Stderr to the pipe it reads from
	// until SignalOutcome), not the log file cmn's logger writes to; the
	// line has to land here too or Start's handshake parse is always a
	// miss and every startup falls through to the log-file poll.
	fmt.Fprintf(os.Stdout, "LISTENING PORT=%d\n", boundPort)

	if err := daemonize.SignalOutcome(nil); err != nil {
		cmn.Debugf("not running under a supervisor: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serving: %w", err)
		}
	case <-ctx.Done():
		<-errCh
	}
	return nil
}
