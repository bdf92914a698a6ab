// Command rome-echo exercises the full local stack: it opens an HCA,
// builds a loopback connection through the connection manager, bootstraps
// a memory pool against itself, and drives a small workload over it (each
// operation allocates, writes, reads back and verifies a payload), printing
// a latency summary at the end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/sss-lehigh/librome/colosseum"
	"github.com/sss-lehigh/librome/internal/connmgr"
	"github.com/sss-lehigh/librome/internal/device"
	"github.com/sss-lehigh/librome/internal/pool"
	"github.com/sss-lehigh/librome/internal/qpscontrol"
	"github.com/sss-lehigh/librome/internal/stream"
)

// echoAdaptor is the colosseum.ClientAdaptor for this demo: every op
// writes a value into its own pool allocation, then reads it back and
// checks for a match.
type echoAdaptor struct {
	log  *logrus.Logger
	pool *pool.MemoryPool
}

func (a *echoAdaptor) Start() error { return nil }
func (a *echoAdaptor) Stop() error  { return nil }

func (a *echoAdaptor) Apply(n int64) error {
	ptr, err := a.pool.Allocate(8)
	if err != nil {
		return err
	}
	defer a.pool.Deallocate(ptr, 8)

	payload := make([]byte, 8)
	for i := range payload {
		payload[i] = byte(n + int64(i))
	}
	if err := a.pool.Write(ptr, payload); err != nil {
		return err
	}
	got, err := a.pool.Read(ptr, 8)
	if err != nil {
		return err
	}
	wantDigest := digest.FromBytes(payload)
	gotDigest := digest.FromBytes(got)
	if gotDigest != wantDigest {
		return fmt.Errorf("echo mismatch at op %d: wrote %s got %s", n, wantDigest, gotDigest)
	}
	return nil
}

func run(ctx context.Context) error {
	deviceName := flag.String("device", "", "RDMA device name (empty picks the first active one)")
	nodeID := flag.Uint("node-id", 0, "this node's logical id")
	listenAddr := flag.String("listen", "0.0.0.0", "rdma_cm listen address")
	listenPort := flag.Uint("port", 0, "rdma_cm listen port (0 picks an ephemeral port)")
	opCount := flag.Int("ops", 1000, "number of echo operations to run")
	qps := flag.Float64("qps", 0, "cap on operations per second (0 disables throttling)")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	dev, err := device.Open(*deviceName)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	mgr, err := connmgr.New(log, dev, *listenAddr, uint16(*listenPort), uint16(*nodeID), nil, connmgr.DefaultConfig())
	if err != nil {
		return fmt.Errorf("new connection manager: %w", err)
	}
	mgr.Start()
	defer mgr.Shutdown()

	mp, err := pool.New(log, dev, mgr, uint16(*nodeID), 16<<20, pool.PrivateCompletion)
	if err != nil {
		return fmt.Errorf("new memory pool: %w", err)
	}
	defer mp.Close()

	if err := mp.Init(map[uint16]string{uint16(*nodeID): ""}, 5*time.Second); err != nil {
		return fmt.Errorf("bootstrap memory pool: %w", err)
	}

	var limiter *qpscontrol.Controller
	if *qps > 0 {
		limiter = qpscontrol.New(qpscontrol.RealClock, *qps)
	}

	ops := stream.NewTestStream(sequence(*opCount))

	adaptor := &echoAdaptor{log: log, pool: mp}
	driver := colosseum.New[int64](log, adaptor, ops, limiter)

	log.WithField("ops", *opCount).Info("starting echo workload")
	if err := driver.Run(ctx); err != nil {
		return fmt.Errorf("run workload: %w", err)
	}

	stats := driver.Stats()
	log.WithFields(logrus.Fields{
		"issued":    stats.Issued,
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"p50_us":    driver.Latency().Quantile(0.5),
		"p90_us":    driver.Latency().Quantile(0.9),
		"p99_us":    driver.Latency().Quantile(0.99),
	}).Info("echo workload complete")

	return nil
}

func sequence(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i)
	}
	return out
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("received signal: %s\n", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
