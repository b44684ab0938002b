package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/timzifer/fleetreplay/realtime"
)

// InsertSensorStates appends sensor state events.
func (s *Store) InsertSensorStates(ctx context.Context, events []realtime.SensorState) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO sensor_states (topic, machine_id, sensor_id, date_server_ms, signals_json) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sensor state insert: %w", err)
		}
		defer stmt.Close()
		for _, event := range events {
			signals := event.Signals
			if signals == nil {
				signals = []realtime.Signal{}
			}
			data, err := json.Marshal(signals)
			if err != nil {
				return fmt.Errorf("encode signals of %s: %w", event.Topic(), err)
			}
			if _, err := stmt.ExecContext(ctx, event.Topic(), event.IDMachine, event.SensorID, event.DateServer.UnixMilli(), string(data)); err != nil {
				return fmt.Errorf("insert sensor state %s: %w", event.Topic(), err)
			}
		}
		return nil
	})
}

// SensorStates returns the events of the given topics received within
// [min, max], oldest first.
func (s *Store) SensorStates(ctx context.Context, topics []string, min, max time.Time) ([]realtime.SensorState, error) {
	if len(topics) == 0 {
		return []realtime.SensorState{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(topics)), ",")
	args := make([]any, 0, len(topics)+2)
	for _, topic := range topics {
		args = append(args, topic)
	}
	args = append(args, min.UnixMilli(), max.UnixMilli())

	rows, err := s.db.QueryContext(ctx,
		`SELECT machine_id, sensor_id, date_server_ms, signals_json FROM sensor_states
         WHERE topic IN (`+placeholders+`) AND date_server_ms BETWEEN ? AND ?
         ORDER BY date_server_ms, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sensor states: %w", err)
	}
	defer rows.Close()

	events := make([]realtime.SensorState, 0)
	for rows.Next() {
		var (
			event realtime.SensorState
			ms    int64
			data  string
		)
		if err := rows.Scan(&event.IDMachine, &event.SensorID, &ms, &data); err != nil {
			return nil, fmt.Errorf("scan sensor state: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &event.Signals); err != nil {
			return nil, fmt.Errorf("decode stored signals: %w", err)
		}
		event.DateServer = time.UnixMilli(ms).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensor states: %w", err)
	}
	return events, nil
}
