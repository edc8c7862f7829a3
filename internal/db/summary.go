package db

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Distribution describes a sample of float values.
type Distribution struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

func distribution(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	d := Distribution{
		Count: len(sorted),
		Mean:  stat.Mean(sorted, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Max:   floats.Max(sorted),
	}
	if len(sorted) > 1 {
		d.StdDev = stat.StdDev(sorted, nil)
	}
	return d
}

// Summary aggregates the journal since a point in time.
type Summary struct {
	Since         time.Time      `json:"since"`
	EventCounts   map[string]int `json:"event_counts"`
	Fires         int            `json:"fires"`
	FireFailures  int            `json:"fire_failures"`
	LockLatencyMs Distribution   `json:"lock_latency_ms"`
	Temperature   Distribution   `json:"temperature"`
	UnsafeSamples int            `json:"unsafe_samples"`
}

// Summary computes event counts, lock latency and temperature statistics for
// everything recorded at or after since. A zero since covers the whole journal.
func (db *DB) Summary(since time.Time) (*Summary, error) {
	var from int64
	if !since.IsZero() {
		from = since.UnixNano()
	}
	s := &Summary{Since: since, EventCounts: map[string]int{}}

	rows, err := db.Query(`SELECT type, COUNT(*) FROM events WHERE ts_unix_nano >= ? GROUP BY type`, from)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	for rows.Next() {
		var (
			typ   string
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return nil, err
		}
		s.EventCounts[typ] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.Fires = s.EventCounts["fire"]
	s.FireFailures = s.EventCounts["fire_failed"]

	latencies, err := db.floatColumn(`SELECT latency_ms FROM events
		WHERE type = 'lock' AND latency_ms IS NOT NULL AND ts_unix_nano >= ?`, from)
	if err != nil {
		return nil, fmt.Errorf("lock latency: %w", err)
	}
	s.LockLatencyMs = distribution(latencies)

	temps, err := db.floatColumn(`SELECT temperature FROM telemetry WHERE ts_unix_nano >= ?`, from)
	if err != nil {
		return nil, fmt.Errorf("temperature: %w", err)
	}
	s.Temperature = distribution(temps)

	if err := db.QueryRow(`SELECT COUNT(*) FROM telemetry WHERE is_safe = 0 AND ts_unix_nano >= ?`, from).
		Scan(&s.UnsafeSamples); err != nil {
		return nil, fmt.Errorf("unsafe samples: %w", err)
	}
	return s, nil
}

func (db *DB) floatColumn(query string, args ...any) ([]float64, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
