/*
This is a sample RDT server. It listens on one UDP port, accepts one connection
per round and writes every received transfer to its own file.

Usage:

	./server [options]
	Options:
	  -config string     configuration file (default "config.yaml")
	  -addr string       listen address IP:Port (default "127.0.0.1:7080")
	  -out string        directory receiving the files (default ".")
	  -rounds int        number of transfers to receive, 0 runs until interrupted (default 1)
	  -metrics string    serve Prometheus metrics on this address, e.g. :9090
	  -loglevel string   log level, overrides the configuration file
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rdt/config"
	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logging.Logger("rdt-server")

var (
	configPath  string
	svcAddrStr  string
	outDir      string
	rounds      int
	metricsAddr string
	logLevel    string
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&svcAddrStr, "addr", net.JoinHostPort(config.ServerIP, strconv.Itoa(config.ServerPort)), "listen address(IP:Port)")
	flag.StringVar(&outDir, "out", ".", "directory receiving the files")
	flag.IntVar(&rounds, "rounds", 1, "number of transfers to receive, 0 runs until interrupted")
	flag.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	flag.StringVar(&logLevel, "loglevel", "", "log level (debug, info, warn, error)")
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			color.Red("Configuration file error: %v", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := lib.SetLogLevel(cfg.LogLevel); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
	logging.SetLogLevel("rdt-server", cfg.LogLevel)

	svcIP, svcPortStr, err := net.SplitHostPort(svcAddrStr)
	if err != nil {
		color.Red("Invalid listen address %s: %v", svcAddrStr, err)
		os.Exit(1)
	}
	svcPort, err := strconv.Atoi(svcPortStr)
	if err != nil {
		color.Red("Invalid listen port %s: %v", svcPortStr, err)
		os.Exit(1)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		color.Red("Couldn't create output directory: %v", err)
		os.Exit(1)
	}

	core, err := lib.NewRdtCore(cfg.RdtCoreConfig())
	if err != nil {
		color.Red("Error creating RDT core: %v", err)
		os.Exit(1)
	}
	defer core.Close()

	if metricsAddr != "" {
		go serveMetrics(core, metricsAddr)
	}

	srv, err := core.ListenRdt(svcIP, svcPort)
	if err != nil {
		color.Red("RDT server error listening at %s: %v", svcAddrStr, err)
		os.Exit(1)
	}
	color.Green("RDT server listening at %s", srv.LocalAddr())

	// Listen for interrupt signal (Ctrl+C)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for round := 1; rounds == 0 || round <= rounds; round++ {
		fmt.Printf("Round %d:\n", round)
		if err := receiveRound(ctx, srv, round); err != nil {
			if ctx.Err() != nil {
				color.Yellow("\nReceived SIGINT (Ctrl+C). Shutting down...")
				break
			}
			color.Red("Round %d failed: %v", round, err)
		}
	}

	fmt.Println("Bye!")
}

func receiveRound(ctx context.Context, srv *lib.Endpoint, round int) error {
	conn, err := srv.Accept(ctx)
	if err != nil {
		return err
	}
	log.Infow("accepted", "remote", conn.RemoteAddr(), "conn", conn.ID(), "isn", conn.InitialSequence())

	start := time.Now()
	data, rerr := conn.Receive(ctx)
	elapsed := time.Since(start)

	// keep partial transfers as well, they are useful when chasing loss bugs
	name := filepath.Join(outDir, fmt.Sprintf("received-%03d.bin", round))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return err
	}

	stats := conn.Stats()
	if rerr != nil {
		color.Yellow("Received %s from %s before the connection failed: %v",
			humanize.Bytes(uint64(len(data))), conn.RemoteAddr(), rerr)
		return rerr
	}
	fmt.Printf("Received %d bytes (%s) in %s into %s, %d segments, %d checksum failures.\n",
		len(data), humanize.Bytes(uint64(len(data))), elapsed.Round(time.Millisecond), name,
		stats.SegmentsReceived, stats.ChecksumFailures)
	return nil
}

func serveMetrics(core *lib.RdtCore, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(core.Gatherer(), promhttp.HandlerOpts{}))
	log.Infof("serving metrics at http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("metrics server: %v", err)
	}
}
