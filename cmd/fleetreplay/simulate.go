package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/drivers/random"
	"github.com/timzifer/fleetreplay/realtime"
	"github.com/timzifer/fleetreplay/store"
)

type simulatedSensor struct {
	machine string
	sensor  string
	specs   []random.SignalSpec
}

// chartSensors derives one generated sensor per configured chart machine.
func chartSensors(charts []config.ChartConfig) []simulatedSensor {
	seen := make(map[string]struct{})
	var sensors []simulatedSensor
	for _, chart := range charts {
		var specs []random.SignalSpec
		switch chart.Type {
		case config.ChartBooleanDate:
			specs = []random.SignalSpec{{Name: "open", Kind: random.SignalBool, TrueProbability: 0.1}}
		case config.ChartBattery:
			signal := chart.Signal
			if signal == "" {
				signal = "battery"
			}
			specs = []random.SignalSpec{{Name: signal, Kind: random.SignalFloat, Min: 15, Max: 100}}
		default:
			continue
		}
		for _, m := range chart.Machines {
			topic := realtime.Topic(m.Sensor, m.Machine)
			if _, ok := seen[topic]; ok {
				continue
			}
			seen[topic] = struct{}{}
			sensors = append(sensors, simulatedSensor{machine: m.Machine, sensor: m.Sensor, specs: specs})
		}
	}
	return sensors
}

func newSimulateCommand(ctx *commandContext) *cobra.Command {
	var (
		enterprise string
		hours      int
		interval   time.Duration
		vessels    int
		seed       int64
		sensors    bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic fleet track and chart sensor states into the local store",
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
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}

			window := time.Duration(hours) * time.Hour
			opts := random.Options{
				Vessels:  vessels,
				Start:    time.Now().Add(-window),
				Interval: interval,
			}
			if cmd.Flags().Changed("seed") {
				opts.Seed = &seed
			}
			sim, err := random.NewSimulator(opts)
			if err != nil {
				return err
			}
			snapshots, err := sim.Run(int(window/interval) + 1)
			if err != nil {
				return err
			}

			db, err := store.Open(cfg.StoragePath())
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := db.InsertPositions(cmd.Context(), enterprise, snapshots)
			if err != nil {
				return err
			}

			events := 0
			if sensors {
				for _, sensor := range chartSensors(cfg.Charts) {
					batch := make([]realtime.SensorState, 0, len(snapshots))
					for _, snapshot := range snapshots {
						event, err := sim.SensorState(sensor.machine, sensor.sensor, snapshot.Time(), sensor.specs)
						if err != nil {
							return err
						}
						batch = append(batch, event)
					}
					if err := db.InsertSensorStates(cmd.Context(), batch); err != nil {
						return err
					}
					events += len(batch)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Enterprise", "Snapshots", "Records", "Sensor states", "From", "To"},
				[][]string{{
					enterprise,
					strconv.Itoa(len(snapshots)),
					strconv.Itoa(records),
					strconv.Itoa(events),
					snapshots[0].Time().Format(time.RFC3339),
					snapshots[len(snapshots)-1].Time().Format(time.RFC3339),
				}},
				map[int]bool{1: true, 2: true, 3: true},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&enterprise, "enterprise", "", "Enterprise id")
	cmd.Flags().IntVar(&hours, "hours", 0, "Simulated window in hours ending now (defaults to the configured window)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "Time between snapshots")
	cmd.Flags().IntVar(&vessels, "vessels", 0, "Number of vessels")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Seed for a reproducible fleet")
	cmd.Flags().BoolVar(&sensors, "sensors", true, "Also generate sensor states for the configured charts")
	return cmd
}
