package service

import (
	"context"

	"github.com/timzifer/fleetreplay/realtime"
)

// ingest stamps, persists and publishes sensor states received on any
// channel. It returns the number of realtime deliveries.
func (s *Service) ingest(ctx context.Context, source string, events []realtime.SensorState) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	now := s.now().UTC()
	for i := range events {
		if events[i].DateServer.IsZero() {
			events[i].DateServer = now
		}
	}
	if err := s.store.InsertSensorStates(ctx, events); err != nil {
		s.telemetry.IncIngestFailure(source)
		return 0, err
	}
	s.telemetry.IncIngested(source, len(events))
	delivered := s.hub.PublishStates(events)
	s.logger.Debug().Str("source", source).Int("events", len(events)).Int("delivered", delivered).Msg("sensor states ingested")
	return delivered, nil
}
