package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Event sources.
const (
	SourceMode   = "mode"
	SourceSafety = "safety"
	SourceSystem = "system"
)

// DefaultLimit bounds list queries when the caller passes no limit.
const DefaultLimit = 500

// MaxLimit is the largest page a list query returns.
const MaxLimit = 5000

// Event is one journaled occurrence. Latency is zero when not applicable.
type Event struct {
	ID        int64         `json:"id"`
	Time      time.Time     `json:"time"`
	Source    string        `json:"source"`
	Mode      string        `json:"mode,omitempty"`
	Type      string        `json:"type"`
	Detail    string        `json:"detail,omitempty"`
	Target    string        `json:"target,omitempty"`
	Heading   float64       `json:"heading"`
	Elevation float64       `json:"elevation"`
	Latency   time.Duration `json:"latency,omitempty"`
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s/%s %s", e.Time.Format(time.RFC3339Nano), e.Source, e.Type, e.Detail)
}

// TelemetrySample is the device state at one supervisor poll.
type TelemetrySample struct {
	Time          time.Time `json:"time"`
	Temperature   float64   `json:"temperature"`
	EmergencyStop bool      `json:"emergency_stop"`
	Safe          bool      `json:"safe"`
	Heading       float64   `json:"heading"`
	Elevation     float64   `json:"elevation"`
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func (db *DB) RecordEvent(e Event) error {
	var latency sql.NullFloat64
	if e.Latency > 0 {
		latency = sql.NullFloat64{Float64: float64(e.Latency) / float64(time.Millisecond), Valid: true}
	}
	_, err := db.Exec(`INSERT INTO events (
			ts_unix_nano, source, mode, type, detail, target, heading, elevation, latency_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(),
		e.Source,
		e.Mode,
		e.Type,
		e.Detail,
		e.Target,
		e.Heading,
		e.Elevation,
		latency,
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.Type, err)
	}
	return nil
}

func (db *DB) RecordTelemetry(s TelemetrySample) error {
	_, err := db.Exec(`INSERT INTO telemetry (
			ts_unix_nano, temperature, emergency_stop, is_safe, heading, elevation
		) VALUES (?, ?, ?, ?, ?, ?)`,
		s.Time.UnixNano(),
		s.Temperature,
		s.EmergencyStop,
		s.Safe,
		s.Heading,
		s.Elevation,
	)
	if err != nil {
		return fmt.Errorf("record telemetry: %w", err)
	}
	return nil
}

// Events returns up to limit events, newest first.
func (db *DB) Events(limit int) ([]Event, error) {
	rows, err := db.Query(`SELECT event_id, ts_unix_nano, source, mode, type, detail, target,
			heading, elevation, latency_ms
		FROM events ORDER BY ts_unix_nano DESC, event_id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			ts      int64
			latency sql.NullFloat64
		)
		if err := rows.Scan(
			&e.ID,
			&ts,
			&e.Source,
			&e.Mode,
			&e.Type,
			&e.Detail,
			&e.Target,
			&e.Heading,
			&e.Elevation,
			&latency,
		); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, ts).UTC()
		if latency.Valid {
			e.Latency = time.Duration(latency.Float64 * float64(time.Millisecond))
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// Telemetry returns up to limit samples in time order, oldest first, ending
// at the most recent sample.
func (db *DB) Telemetry(limit int) ([]TelemetrySample, error) {
	rows, err := db.Query(`SELECT ts_unix_nano, temperature, emergency_stop, is_safe, heading, elevation
		FROM (SELECT * FROM telemetry ORDER BY ts_unix_nano DESC LIMIT ?)
		ORDER BY ts_unix_nano ASC`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []TelemetrySample
	for rows.Next() {
		var (
			s  TelemetrySample
			ts int64
		)
		if err := rows.Scan(&ts, &s.Temperature, &s.EmergencyStop, &s.Safe, &s.Heading, &s.Elevation); err != nil {
			return nil, err
		}
		s.Time = time.Unix(0, ts).UTC()
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}
