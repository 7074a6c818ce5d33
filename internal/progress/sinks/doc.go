// Package sinks holds progress consumers: a structured log sink and a
// Prometheus sink that turns crawl events into counters and histograms.
package sinks
