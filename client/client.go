/*
This is a sample RDT client. It reads a file into memory and sends it to an RDT
server, optionally several times in a row, reporting the transfer time and the
round trip estimate of every round.

Usage:

	./client [options] file
	Options:
	  -config string     configuration file (default "config.yaml")
	  -server string     server address IP:Port (default "127.0.0.1:7080")
	  -sourceIP string   local source IP address, empty picks one facing the server
	  -rounds int        number of times the file is sent (default 1)
	  -retry             keep redialing while the server is not reachable
	  -loglevel string   log level, overrides the configuration file

Each round uses a fresh connection from a fresh client port, mirroring a server
that accepts one connection per round.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rdt/config"
	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"
)

var log = logging.Logger("rdt-client")

var (
	configPath    string
	serverAddrStr string
	sourceIP      string
	rounds        int
	retry         bool
	logLevel      string
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&serverAddrStr, "server", net.JoinHostPort(config.ServerIP, strconv.Itoa(config.ServerPort)), "server address(IP:Port)")
	flag.StringVar(&sourceIP, "sourceIP", "", "local source IP address")
	flag.IntVar(&rounds, "rounds", 1, "number of times the file is sent")
	flag.BoolVar(&retry, "retry", false, "keep redialing while the server is not reachable")
	flag.StringVar(&logLevel, "loglevel", "", "log level (debug, info, warn, error)")
}

type roundResult struct {
	bytes   int
	elapsed time.Duration
	rtt     time.Duration
	retrans uint64
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: ./client [options] file")
		flag.PrintDefaults()
		os.Exit(2)
	}

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
	if err := setLogLevel(cfg.LogLevel); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}

	serverIP, serverPortStr, err := net.SplitHostPort(serverAddrStr)
	if err != nil {
		color.Red("Invalid server address %s: %v", serverAddrStr, err)
		os.Exit(1)
	}
	serverPort, err := strconv.Atoi(serverPortStr)
	if err != nil {
		color.Red("Invalid server port %s: %v", serverPortStr, err)
		os.Exit(1)
	}

	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		color.Red("Couldn't open file: %v", err)
		os.Exit(1)
	}

	core, err := lib.NewRdtCore(cfg.RdtCoreConfig())
	if err != nil {
		color.Red("Error creating RDT core: %v", err)
		os.Exit(1)
	}
	defer core.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results := make([]roundResult, 0, rounds)
	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		for i := 0; i < rounds; i++ {
			res, err := sendRound(gctx, core, serverIP, serverPort, data)
			if err != nil {
				return fmt.Errorf("round %d: %w", i+1, err)
			}
			results = append(results, res)
			fmt.Printf("Round %d: sent %s in %s (%s/s), RTT %s, %d retransmissions\n",
				i+1, humanize.Bytes(uint64(res.bytes)), res.elapsed.Round(time.Millisecond),
				humanize.Bytes(throughput(res.bytes, res.elapsed)), res.rtt, res.retrans)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
			color.Yellow("Interrupted, aborting transfer.")
		}
		return nil
	})

	err = g.Wait()
	stop()
	report(results)
	if err != nil {
		color.Red("Transfer failed: %v", err)
		os.Exit(1)
	}
}

func sendRound(ctx context.Context, core *lib.RdtCore, serverIP string, serverPort int, data []byte) (roundResult, error) {
	var (
		conn *lib.Connection
		err  error
	)
	if retry {
		rc := lib.DefaultRedialConfig()
		rc.MaxRetries = 0
		rc.OnRetry = func(err error, next time.Duration) {
			color.Yellow("Server not reachable (%v), retrying in %s", err, next.Round(time.Millisecond))
		}
		conn, err = core.DialWithRetry(ctx, sourceIP, serverIP, serverPort, rc)
	} else {
		conn, err = core.DialRdt(ctx, sourceIP, serverIP, serverPort)
	}
	if err != nil {
		return roundResult{}, err
	}
	log.Infow("connected", "local", conn.LocalAddr(), "remote", conn.RemoteAddr(), "conn", conn.ID())

	start := time.Now()
	if err := conn.Send(ctx, data); err != nil {
		conn.Close()
		return roundResult{}, err
	}
	if err := conn.Close(); err != nil {
		return roundResult{}, err
	}
	elapsed := time.Since(start)

	stats := conn.Stats()
	return roundResult{bytes: len(data), elapsed: elapsed, rtt: stats.LastRTT, retrans: stats.Retransmissions}, nil
}

func report(results []roundResult) {
	if len(results) == 0 {
		return
	}
	var total time.Duration
	var bytes int
	var rtt time.Duration
	for _, r := range results {
		total += r.elapsed
		bytes += r.bytes
		rtt += r.rtt
	}
	color.Green("%d round(s), %s in %s, avg. RTT %s",
		len(results), humanize.Bytes(uint64(bytes)), total.Round(time.Millisecond), rtt/time.Duration(len(results)))
}

func throughput(n int, d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(float64(n) / d.Seconds())
}

func setLogLevel(level string) error {
	if err := lib.SetLogLevel(level); err != nil {
		return err
	}
	return logging.SetLogLevel("rdt-client", level)
}
