package observability

import (
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments used across the processor.
// Instruments are created once at startup and shared with the admission
// gate, processor, retention manager, and stream consumer. Components
// tolerate a nil *Metrics so packages stay usable as libraries.
type Metrics struct {
	// Processing metrics
	MessagesProcessed otelmetric.Int64Counter
	ProcessDuration   otelmetric.Float64Histogram
	DuplicatesSkipped otelmetric.Int64Counter
	EffectFailures    otelmetric.Int64Counter

	// Admission metrics
	AdmissionsDeferred otelmetric.Int64Counter
	Commits            otelmetric.Int64Counter
	Rollbacks          otelmetric.Int64Counter
	StuckRecovered     otelmetric.Int64Counter
	StoreErrors        otelmetric.Int64Counter

	// Retention metrics
	RecordsEvicted  otelmetric.Int64Counter
	RecordsArchived otelmetric.Int64Counter

	// Stream metrics
	MessagesFetched otelmetric.Int64Counter
	MessagesNaked   otelmetric.Int64Counter
}

// NewMetrics creates all metric instruments from the given Meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	m.MessagesProcessed, err = meter.Int64Counter(
		"messages.processed",
		otelmetric.WithDescription("Messages that completed processing with a Processed outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessDuration, err = meter.Float64Histogram(
		"process.duration",
		otelmetric.WithUnit("ms"),
		otelmetric.WithDescription("End-to-end processMessage duration in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicatesSkipped, err = meter.Int64Counter(
		"duplicates.skipped",
		otelmetric.WithDescription("Messages skipped because their id was already committed"),
	)
	if err != nil {
		return nil, err
	}

	m.EffectFailures, err = meter.Int64Counter(
		"effect.failures",
		otelmetric.WithDescription("Effect executions that failed or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.AdmissionsDeferred, err = meter.Int64Counter(
		"admissions.deferred",
		otelmetric.WithDescription("Admission attempts deferred due to an in-flight reservation"),
	)
	if err != nil {
		return nil, err
	}

	m.Commits, err = meter.Int64Counter(
		"dedup.commits",
		otelmetric.WithDescription("Dedup records committed"),
	)
	if err != nil {
		return nil, err
	}

	m.Rollbacks, err = meter.Int64Counter(
		"dedup.rollbacks",
		otelmetric.WithDescription("Dedup records rolled back"),
	)
	if err != nil {
		return nil, err
	}

	m.StuckRecovered, err = meter.Int64Counter(
		"dedup.stuck.recovered",
		otelmetric.WithDescription("Abandoned pending records force-rolled-back"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter(
		"store.errors",
		otelmetric.WithDescription("Dedup store operations that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsEvicted, err = meter.Int64Counter(
		"retention.records.evicted",
		otelmetric.WithDescription("Dedup records evicted by the retention sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsArchived, err = meter.Int64Counter(
		"retention.records.archived",
		otelmetric.WithDescription("Dedup records archived before eviction"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesFetched, err = meter.Int64Counter(
		"stream.messages.fetched",
		otelmetric.WithDescription("Messages fetched from the stream"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesNaked, err = meter.Int64Counter(
		"stream.messages.naked",
		otelmetric.WithDescription("Messages NAKed back to the stream for redelivery"),
	)
	if err != nil {
		return nil, err
	}

	return &m, nil
}
