// Package metrics declares the worker's Prometheus instrumentation: cache
// size/eviction gauges and counters, run-stage histograms, check-in
// counters, and gateway socket gauges. Components update these directly
// from their own mutex-guarded state transitions rather than through a
// separate polling collector.
package metrics
