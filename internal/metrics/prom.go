package metrics

import "github.com/prometheus/client_golang/prometheus"

// PromSummary wraps a Summary as a prometheus.Collector reporting count, mean,
// and the p50/p90/p99 quantiles of its current window, so a demo program
// can expose pool/driver latency alongside any other Prometheus metrics it
// registers.
type PromSummary struct {
	s      *Summary
	name   string
	help   string
}

func NewPromSummary(s *Summary, name, help string) *PromSummary {
	return &PromSummary{s: s, name: name, help: help}
}

func (p *PromSummary) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc("count")
	ch <- p.desc("mean")
	ch <- p.desc("p50")
	ch <- p.desc("p90")
	ch <- p.desc("p99")
}

func (p *PromSummary) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc("count"), prometheus.GaugeValue, float64(p.s.Count()))
	ch <- prometheus.MustNewConstMetric(p.desc("mean"), prometheus.GaugeValue, p.s.Mean())
	ch <- prometheus.MustNewConstMetric(p.desc("p50"), prometheus.GaugeValue, p.s.Quantile(0.5))
	ch <- prometheus.MustNewConstMetric(p.desc("p90"), prometheus.GaugeValue, p.s.Quantile(0.9))
	ch <- prometheus.MustNewConstMetric(p.desc("p99"), prometheus.GaugeValue, p.s.Quantile(0.99))
}

func (p *PromSummary) desc(suffix string) *prometheus.Desc {
	return prometheus.NewDesc(p.name+"_"+suffix, p.help, nil, nil)
}
