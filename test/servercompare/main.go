// Command servercompare is an RDT receiver that checks every transfer against
// a reference file. Run the sample client with the same file, optionally
// through droptestgw, to verify the stream survives loss and corruption.
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

	"github.com/Clouded-Sabre/rdt/config"
	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rdt-compare")

type comparison struct {
	received, expected int
	firstDiff          int // -1 when the common prefix matches
	diffCount          int
}

func (c comparison) ok() bool {
	return c.firstDiff < 0 && c.received == c.expected
}

func compare(received, expected []byte) comparison {
	c := comparison{received: len(received), expected: len(expected), firstDiff: -1}
	for i := 0; i < len(received) && i < len(expected); i++ {
		if received[i] != expected[i] {
			if c.firstDiff < 0 {
				c.firstDiff = i
			}
			c.diffCount++
		}
	}
	return c
}

func main() {
	serverAddrFlag := flag.String("svcaddr", "0.0.0.0:7080", "Listening address in the format 'host:port'")
	filePathFlag := flag.String("file", "book.txt", "Path to the file for comparison")
	configFlag := flag.String("config", "config.yaml", "configuration file")
	flag.Parse()

	svcIpStr, svcPortStr, err := net.SplitHostPort(*serverAddrFlag)
	if err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
	svcPort, err := strconv.Atoi(svcPortStr)
	if err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
	expected, err := os.ReadFile(*filePathFlag)
	if err != nil {
		color.Red("Error opening file: %v", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFlag)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			color.Red("Configuration file error: %v", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}
	lib.SetLogLevel(cfg.LogLevel)

	core, err := lib.NewRdtCore(cfg.RdtCoreConfig())
	if err != nil {
		color.Red("Error creating RDT core: %v", err)
		os.Exit(1)
	}
	defer core.Close()

	svc, err := core.ListenRdt(svcIpStr, svcPort)
	if err != nil {
		color.Red("RDT server error listening at %s: %v", *serverAddrFlag, err)
		os.Exit(1)
	}
	log.Infof("RDT service started at %s", svc.LocalAddr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for round := 1; ; round++ {
		conn, err := svc.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("\nReceived SIGINT (Ctrl+C). Shutting down...")
				return
			}
			color.Red("Accept failed: %v", err)
			continue
		}
		data, err := conn.Receive(ctx)
		if err != nil {
			color.Red("Round %d: receive from %s failed after %s: %v",
				round, conn.RemoteAddr(), humanize.Bytes(uint64(len(data))), err)
		}
		c := compare(data, expected)
		stats := conn.Stats()
		if c.ok() {
			color.Green("Round %d: %s match, %d retransmissions, %d checksum failures",
				round, humanize.Bytes(uint64(c.received)), stats.Retransmissions, stats.ChecksumFailures)
			continue
		}
		color.Red("Round %d: received %d bytes, expected %d, first difference at %d, %d bytes different",
			round, c.received, c.expected, c.firstDiff, c.diffCount)
	}
}
