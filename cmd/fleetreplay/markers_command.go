package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/timzifer/fleetreplay/fleet"
	"github.com/timzifer/fleetreplay/markers"
	"github.com/timzifer/fleetreplay/service"
	"github.com/timzifer/fleetreplay/store"
)

func newMarkersCommand(ctx *commandContext) *cobra.Command {
	var (
		enterprise string
		hours      int
		at         string
		names      bool
	)
	cmd := &cobra.Command{
		Use:   "markers",
		Short: "Print the vessel markers visible at a time from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(enterprise) == "" {
				return fmt.Errorf("--enterprise is required")
			}
			cfg, err := ctx.loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if hours <= 0 {
				hours = cfg.DefaultHours()
			}
			when, err := parseAt(at)
			if err != nil {
				return err
			}
			renderer, err := service.NewMarkerRenderer(cfg.Markers, zerolog.Nop())
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.StoragePath())
			if err != nil {
				return err
			}
			defer db.Close()

			snapshots, err := db.Playback(cmd.Context(), enterprise, hours)
			if err != nil {
				return err
			}
			dataset := fleet.NewDataset(snapshots)
			snapshot, ok := dataset.Select(when)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "No snapshots for %s in the last %dh.\n", enterprise, hours)
				return nil
			}
			writeMarkers(cmd.OutOrStdout(), snapshot, renderer.Render(snapshot.Records, names))
			return nil
		},
	}
	cmd.Flags().StringVar(&enterprise, "enterprise", "", "Enterprise id")
	cmd.Flags().IntVar(&hours, "hours", 0, "Playback window in hours (defaults to the configured window)")
	cmd.Flags().StringVar(&at, "at", "", "Timeline position as RFC 3339 or epoch milliseconds (defaults to the first snapshot)")
	cmd.Flags().BoolVar(&names, "names", false, "Include vessel name tooltips")
	return cmd
}

func parseAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at must be RFC 3339 or epoch milliseconds: %w", err)
	}
	return t, nil
}

func writeMarkers(out io.Writer, snapshot fleet.PositionSnapshot, list []markers.Marker) {
	fmt.Fprintf(out, "Snapshot %s: %d of %d vessels positioned\n", snapshot.Time().UTC().Format(time.RFC3339), len(list), len(snapshot.Records))
	rows := make([][]string, 0, len(list))
	for _, m := range list {
		lon := ""
		if m.Position.Lon != nil {
			lon = strconv.FormatFloat(*m.Position.Lon, 'f', -1, 64)
		}
		rotation := ""
		if m.Rotation != nil {
			rotation = strconv.FormatFloat(*m.Rotation, 'f', -1, 64)
		}
		rows = append(rows, []string{
			m.Key,
			m.Popup.Name,
			m.Popup.Class,
			m.Rule,
			m.Icon.Color,
			strconv.Itoa(m.Icon.Size),
			rotation,
			strconv.FormatFloat(m.Position.Lat, 'f', -1, 64),
			lon,
			m.Popup.Speed,
			m.Popup.Course,
			m.Tooltip,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Vessel", "Name", "Class", "Rule", "Color", "Size", "Rotation", "Lat", "Lon", "Speed", "Course", "Tooltip"},
		rows,
		map[int]bool{5: true, 6: true, 7: true, 8: true},
	))
}
