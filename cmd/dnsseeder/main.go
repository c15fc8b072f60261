// Command dnsseeder wires together the Address Database, crawler pool,
// DNS server, snapshot/seeder threads, stats printer, and metrics
// exporter described throughout the package docs. It owns the ADB as
// an explicit value and hands a shared handle to every worker at
// construction instead of the original's file-scope globals.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"

	"github.com/chainseed/dnsseeder/internal/adb"
	"github.com/chainseed/dnsseeder/internal/bootstrap"
	"github.com/chainseed/dnsseeder/internal/config"
	"github.com/chainseed/dnsseeder/internal/crawler"
	"github.com/chainseed/dnsseeder/internal/dnsserver"
	"github.com/chainseed/dnsseeder/internal/logctx"
	"github.com/chainseed/dnsseeder/internal/metrics"
	"github.com/chainseed/dnsseeder/internal/peer"
	"github.com/chainseed/dnsseeder/internal/snapshot"
	"github.com/chainseed/dnsseeder/internal/stats"
)

var log = logctx.For("main")

// minClientVersion and minBlocks are the protocol-knowledge constants
// the ADB's isGood() check needs from the peer-wire world, matching the
// minimum protocol version the reference seeder's network table used
// for mainnet (pver: 70001). The ADB has no chain-tip oracle, so
// minBlocks is 0 and, with blocksTolerance subtracted from it, the
// height check never excludes a peer.
const (
	minClientVersion int32 = 70001
	minBlocks        int32 = 0
	blocksTolerance  int32 = 1000
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	logctx.Setup(cfg.Verbose)
	rand.Seed(time.Now().UnixNano())

	db := adb.New(adb.Options{
		MinClientVersion: minClientVersion,
		MinBlocks:        minBlocks,
		BlocksTolerance:  blocksTolerance,
	})

	loadSnapshot(db, cfg.SnapshotPath)
	if cfg.WipeBan {
		db.ClearBans()
	}
	if cfg.WipeIgnore {
		db.ResetIgnores()
	}

	netMagic, port := wire.MainNet, uint16(8333)
	if cfg.Testnet {
		netMagic, port = wire.TestNet3, 18333
	}

	dialers := peer.FamilyDialers{
		Onion: peer.ProxyConfig{Addr: cfg.OnionProxy, TorIsolation: true},
		V4:    peer.ProxyConfig{Addr: cfg.V4Proxy},
		V6:    peer.ProxyConfig{Addr: cfg.V6Proxy},
	}
	prober := peer.New(peer.Config{
		Net:         netMagic,
		ProtocolVer: wire.ProtocolVersion,
		Dial:        dialers.Dial(),
		UserAgent:   "/dnsseeder:1.0/",
	})

	pool := &crawler.Pool{DB: db, Prober: prober, Width: cfg.Threads}

	seeder := &bootstrap.Seeder{
		DB:    db,
		Hosts: bootstrap.SeedsForNetwork(cfg.Testnet),
		Port:  port,
	}

	dumper := &snapshot.Dumper{
		DB:           db,
		SnapshotPath: cfg.SnapshotPath,
		DumpPath:     cfg.DumpPath,
		StatsLogPath: cfg.StatsLogPath,
	}

	metricsReg := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return pool.Run(egCtx) })
	eg.Go(func() error { return seeder.Run(egCtx) })
	eg.Go(func() error { return dumper.Run(egCtx) })

	var dnsSrv *dnsserver.Server
	if cfg.NS != "" {
		dnsSrv = dnsserver.New(dnsserver.Config{
			Host: cfg.Host,
			NS:   cfg.NS,
			MBox: cfg.MBox,
			Port: cfg.Port,
		}, dnsserver.ADBSource{DB: db}, cfg.DNSThreads)

		eg.Go(func() error { return dnsSrv.Run(egCtx) })
	}

	if dnsSrv != nil {
		metricsReg.Requests = dnsSrv
		metricsReg.Queries = dnsSrv
	}
	eg.Go(func() error { return metricsReg.Run(egCtx, cfg.MetricsAddr, db, 5*time.Second) })

	printer := &stats.Printer{Source: db, W: os.Stdout}
	if dnsSrv != nil {
		printer.Requests = dnsSrv
		printer.Queries = dnsSrv
	}
	eg.Go(func() error { return printer.Run(egCtx) })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("received shutdown signal")
		cancel()
	}()

	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.WithError(err).Warn("worker exited with error")
	}
	log.Info("dnsseeder exiting")
	return nil
}

func loadSnapshot(db *adb.DB, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.WithField("path", path).Info("no snapshot to load, starting empty")
		return
	}
	defer f.Close()

	if err := db.Deserialize(f); err != nil {
		log.WithError(err).Warn("snapshot load failed, starting empty")
	}
}
