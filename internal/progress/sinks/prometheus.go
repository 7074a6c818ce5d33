package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/creator-crawler/internal/progress"
)

// PrometheusSink exports crawl progress as Prometheus collectors.
type PrometheusSink struct {
	sessionsStarted prometheus.Counter
	sessionsActive  prometheus.Gauge
	pagesPersisted  prometheus.Counter
	idsFound        prometheus.Counter
	idsInserted     prometheus.Counter
	listRuns        *prometheus.CounterVec
	profiles        *prometheus.CounterVec
	itemDuration    *prometheus.HistogramVec
	batchDuration   prometheus.Histogram
}

// NewPrometheusSink registers the sink's collectors with reg (the default
// registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creator_crawl_sessions_started_total",
			Help: "Crawl sessions started.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "creator_crawl_sessions_active",
			Help: "Crawl sessions currently open.",
		}),
		pagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creator_list_pages_persisted_total",
			Help: "Listing pages whose identifiers were stored.",
		}),
		idsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creator_list_identifiers_found_total",
			Help: "Valid identifiers extracted from listing pages.",
		}),
		idsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "creator_list_identifiers_inserted_total",
			Help: "Identifiers that were new to the store.",
		}),
		listRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creator_list_runs_total",
			Help: "List crawl runs by final state.",
		}, []string{"state"}),
		profiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "creator_detail_profiles_total",
			Help: "Profile detail attempts by outcome.",
		}, []string{"outcome"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "creator_detail_item_duration_seconds",
			Help:    "Time spent on one profile detail attempt.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "creator_detail_batch_duration_seconds",
			Help:    "Wall time per detail batch.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		}),
	}
	for _, c := range []prometheus.Collector{
		s.sessionsStarted, s.sessionsActive, s.pagesPersisted, s.idsFound,
		s.idsInserted, s.listRuns, s.profiles, s.itemDuration, s.batchDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSessionStart:
			s.sessionsStarted.Inc()
			s.sessionsActive.Inc()
		case progress.StageSessionEnd:
			s.sessionsActive.Dec()
		case progress.StagePagePersisted:
			s.pagesPersisted.Inc()
			s.idsFound.Add(float64(evt.Count))
			s.idsInserted.Add(float64(evt.Inserted))
		case progress.StageListDone:
			state := evt.Note
			if state == "" {
				state = "unknown"
			}
			s.listRuns.WithLabelValues(state).Inc()
		case progress.StageItemDone:
			outcome := string(evt.Outcome)
			s.profiles.WithLabelValues(outcome).Inc()
			if evt.Dur > 0 {
				s.itemDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
			}
		case progress.StageBatchDone:
			if evt.Dur > 0 {
				s.batchDuration.Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
