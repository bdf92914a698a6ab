// Package colosseum implements the workload driver that pulls operations
// off a Stream, rate-limits them through a qpscontrol.Controller, applies
// them through a pluggable ClientAdaptor, and records per-operation
// latency and throughput (spec §4.6). The name follows the original
// library's arena metaphor for its benchmark harness.
package colosseum

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sss-lehigh/librome/internal/metrics"
	"github.com/sss-lehigh/librome/internal/qpscontrol"
	"github.com/sss-lehigh/librome/internal/status"
	"github.com/sss-lehigh/librome/internal/stream"
)

// ClientAdaptor is the workload-specific glue a driver runs against: Start
// opens whatever resources the workload needs (connections, pool
// registration), Apply executes one operation, Stop releases resources.
type ClientAdaptor[OpType any] interface {
	Start() error
	Apply(op OpType) error
	Stop() error
}

// Stats is a point-in-time snapshot of a driver's progress.
type Stats struct {
	Issued    int64
	Succeeded int64
	Failed    int64
}

// DefaultLatSamplingRate and DefaultQPSSamplingRate are the driver's default
// sampling intervals (spec §4.6 fixes lat_sampling_rate=10ms; the spec
// leaves qps_sampling_rate's default unspecified, so this follows the
// teacher's convention of a coarser, second-scale reporting interval).
const (
	DefaultLatSamplingRate = 10 * time.Millisecond
	DefaultQPSSamplingRate = 1 * time.Second
)

// WorkloadDriver runs one ClientAdaptor against one operation Stream,
// throttled by a qpscontrol.Controller, recording latency and throughput
// into metrics.Summary instances per spec §4.6's state machine.
type WorkloadDriver[OpType any] struct {
	log     *logrus.Logger
	adaptor ClientAdaptor[OpType]
	ops     stream.Stream[OpType]
	limiter *qpscontrol.Controller

	latSamplingRate time.Duration
	qpsSamplingRate time.Duration

	latency *metrics.Summary
	qps     *metrics.Summary

	issued    *metrics.Counter[int64]
	succeeded *metrics.Counter[int64]
	failed    *metrics.Counter[int64]

	terminated atomic.Bool
	running    atomic.Bool
	done       chan struct{}
	sw         *metrics.Stopwatch
	runErr     error
}

// New wires a driver with the spec's default sampling rates. limiter may be
// nil to run unthrottled.
func New[OpType any](log *logrus.Logger, adaptor ClientAdaptor[OpType], ops stream.Stream[OpType], limiter *qpscontrol.Controller) *WorkloadDriver[OpType] {
	return &WorkloadDriver[OpType]{
		log:             log,
		adaptor:         adaptor,
		ops:             ops,
		limiter:         limiter,
		latSamplingRate: DefaultLatSamplingRate,
		qpsSamplingRate: DefaultQPSSamplingRate,
		latency:         metrics.NewSummary(10000),
		qps:             metrics.NewSummary(10000),
		issued:          metrics.NewCounter[int64](),
		succeeded:       metrics.NewCounter[int64](),
		failed:          metrics.NewCounter[int64](),
	}
}

// SetSamplingRates overrides the default lat/qps sampling intervals. Must be
// called before Start.
func (d *WorkloadDriver[OpType]) SetSamplingRates(lat, qps time.Duration) {
	d.latSamplingRate = lat
	d.qpsSamplingRate = qps
}

// Start launches the driver's run thread and blocks until it reports
// running, per spec §4.6's Start() contract. It is an error to Start an
// already-terminated driver.
func (d *WorkloadDriver[OpType]) Start() error {
	if d.terminated.Load() {
		return status.Unavailablef("workload driver already terminated")
	}
	d.done = make(chan struct{})
	go d.run()
	for !d.running.Load() {
		runtime.Gosched()
	}
	return nil
}

// run is the driver's dedicated run thread (spec §4.6's run loop).
func (d *WorkloadDriver[OpType]) run() {
	defer close(d.done)

	if err := d.adaptor.Start(); err != nil {
		d.runErr = status.Internalf("adaptor start: %v", err)
		d.running.Store(true)
		return
	}

	d.sw = metrics.NewStopwatch()
	d.running.Store(true)

	var prevOps int64
	for !d.terminated.Load() {
		if d.limiter != nil {
			if err := d.limiter.Wait(context.Background()); err != nil {
				d.runErr = err
				break
			}
		}

		op, err := d.ops.Next()
		if err != nil {
			if !status.IsStreamTerminated(err) {
				d.runErr = err
			}
			break
		}

		lapSplitBefore := d.sw.GetLapSplit()
		applyErr := d.adaptor.Apply(op)
		lapSplitAfter := d.sw.GetLapSplit()

		d.issued.Add(1)
		issued := d.issued.Load()
		if applyErr != nil {
			d.failed.Add(1)
			d.log.WithError(applyErr).Debug("operation failed")
		} else {
			d.succeeded.Add(1)
		}

		if lapSplitAfter > d.latSamplingRate {
			d.latency.Observe(float64((lapSplitAfter - lapSplitBefore).Microseconds()))
		}

		if lapSplitAfter > d.qpsSamplingRate {
			d.qps.Observe(float64(issued-prevOps) / lapSplitAfter.Seconds())
			prevOps = issued
			d.sw.GetLap()
		}
	}

	d.sw.Stop()
}

// Stop sets terminated, waits for the run thread to exit, calls
// client.Stop(), and returns the first error either captured by the run
// loop or returned by client.Stop(), per spec §4.6's Stop() contract.
func (d *WorkloadDriver[OpType]) Stop() error {
	d.terminated.Store(true)
	if d.done != nil {
		<-d.done
	}
	if err := d.adaptor.Stop(); err != nil {
		if d.runErr == nil {
			d.runErr = err
		} else {
			d.log.WithError(err).Warn("adaptor stop returned an error")
		}
	}
	return d.runErr
}

// Run is a convenience wrapper for callers that drive the driver from a
// context: it starts the driver, stops it cooperatively either when ctx is
// done or the stream/adaptor ends the run loop on its own, and returns
// ctx.Err() if the context is what caused the stop.
func (d *WorkloadDriver[OpType]) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-d.done:
	}

	err := d.Stop()

	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Stats returns a snapshot of issued/succeeded/failed operation counts.
func (d *WorkloadDriver[OpType]) Stats() Stats {
	return Stats{
		Issued:    d.issued.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
	}
}

// Latency exposes the driver's latency summary (microseconds per sampled
// op), for callers that want to report p50/p90/p99 alongside Stats.
func (d *WorkloadDriver[OpType]) Latency() *metrics.Summary { return d.latency }

// QPS exposes the driver's throughput summary (operations/second, sampled
// once per lap per spec §4.6).
func (d *WorkloadDriver[OpType]) QPS() *metrics.Summary { return d.qps }
