package stats

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timeclock"

const (
	ActiveTimers           = "active_timers"
	PresenceClients        = "presence_clients"
	ClockInsTotal          = "clock_ins_total"
	ClockOutsTotal         = "clock_outs_total"
	ReconciliationsTotal   = "reconciliations_total"
	ReconcileFailuresTotal = "reconcile_failures_total"
)

// All lists every metric the server reports.
var All = []string{
	ActiveTimers,
	PresenceClients,
	ClockInsTotal,
	ClockOutsTotal,
	ReconciliationsTotal,
	ReconcileFailuresTotal,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	Set(name string, value float64)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater applies metric updates on a single goroutine. Names ending in
// _total are counters, everything else is a gauge.
type StatsUpdater struct {
	registry   *prometheus.Registry
	mu         sync.RWMutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	updateChan chan *metricsUpdateReq
	done       chan struct{}
}

type updateOp int

const (
	opAdd updateOp = iota
	opSet
)

type metricsUpdateReq struct {
	name  string
	op    updateOp
	value float64
}

// NewStatsUpdater creates a new stats updater instance and serves its
// registry at GET /metrics on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	su.registry.MustRegister(prometheus.NewGoCollector())
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))

	return su
}

func (su *StatsUpdater) Registry() *prometheus.Registry {
	return su.registry
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.counters[name]; ok {
		return
	}
	if _, ok := su.gauges[name]; ok {
		return
	}

	if strings.HasSuffix(name, "_total") {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name})
		su.registry.MustRegister(c)
		su.counters[name] = c
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)

	for req := range su.updateChan {
		su.mu.RLock()
		counter, isCounter := su.counters[req.name]
		gauge, isGauge := su.gauges[req.name]
		su.mu.RUnlock()

		switch {
		case isCounter && req.op == opAdd && req.value > 0:
			counter.Add(req.value)
		case isGauge && req.op == opAdd:
			gauge.Add(req.value)
		case isGauge && req.op == opSet:
			gauge.Set(req.value)
		case !isCounter && !isGauge:
			panic("metric not found: " + req.name)
		default:
			panic(fmt.Sprintf("invalid update for counter %s", req.name))
		}
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, op: opAdd, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, op: opAdd, value: -1}
}

func (su *StatsUpdater) Set(name string, value float64) {
	su.updateChan <- &metricsUpdateReq{name: name, op: opSet, value: value}
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop drains pending updates and waits for them to be applied.
func (su *StatsUpdater) Stop() {
	close(su.updateChan)
	<-su.done
}
