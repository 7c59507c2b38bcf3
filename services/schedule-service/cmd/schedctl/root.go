package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/availability"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/messages"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/policy"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/storage"
)

// errBlocked makes the process exit non-zero when --fail-on trips.
var errBlocked = errors.New("conflicts at or above the fail-on severity")

type options struct {
	fixture    string
	policyFile string
	locale     string
}

type workspace struct {
	policy policy.Policy
	engine *conflict.Engine
	slots  *availability.Calculator
}

func (o *options) open() (*workspace, error) {
	if strings.TrimSpace(o.fixture) == "" {
		return nil, errors.New("--fixture is required")
	}
	p, err := policy.Load(o.policyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if err := messages.Init(""); err != nil {
		return nil, err
	}
	store, err := storage.LoadFixtureFile(o.fixture)
	if err != nil {
		return nil, fmt.Errorf("load fixture: %w", err)
	}
	provider := policy.NewStaticProvider(p)
	return &workspace{
		policy: p,
		engine: conflict.NewEngine(store, provider, nil),
		slots:  availability.NewCalculator(store, provider),
	}, nil
}

func (o *options) context(cmd *cobra.Command) context.Context {
	return messages.WithLocale(cmd.Context(), o.locale)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "schedctl",
		Short:        "Run schedule checks against a fixture file",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.fixture, "fixture", "f", "", "schedule fixture (JSON with drivers, shifts, time_off)")
	root.PersistentFlags().StringVarP(&opts.policyFile, "policy", "p", "", "policy file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.locale, "locale", "en", "language for conflict descriptions")

	root.AddCommand(
		newCheckCmd(opts),
		newSlotsCmd(opts),
		newAlternativesCmd(opts),
		newPolicyCmd(opts),
	)
	return root
}

func newCheckCmd(opts *options) *cobra.Command {
	var (
		driverID, start, end, exclude, only, failOn string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a proposed shift for conflicts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := parseWindow(start, end)
			if err != nil {
				return err
			}
			ws, err := opts.open()
			if err != nil {
				return err
			}
			ctx := opts.context(cmd)
			c := conflict.Candidate{DriverID: driverID, Window: w, ExcludeShiftID: exclude}

			var report model.ConflictReport
			switch only {
			case "", "all":
				report, err = ws.engine.CheckAllConflicts(ctx, c)
			case "overlap":
				report, err = asReport(ws.engine.CheckOverlappingShifts(ctx, driverID, w, exclude))
			case "rest":
				report, err = asReport(ws.engine.CheckBreakTimeConflicts(ctx, driverID, w, ws.policy.MinRest(), exclude))
			case "weekly":
				report, err = asReport(ws.engine.CheckMaxHoursPerWeek(ctx, driverID, w, ws.policy.MaxWeeklyHours, exclude))
			case "time-off":
				report, err = asReport(ws.engine.CheckTimeOffConflicts(ctx, driverID, w))
			default:
				return fmt.Errorf("unknown check %q (want all, overlap, rest, weekly or time-off)", only)
			}
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if failOn == "" {
				return nil
			}
			threshold, err := model.ParseSeverity(failOn)
			if err != nil {
				return fmt.Errorf("--fail-on: %w", err)
			}
			if len(report.Blocking(threshold)) > 0 {
				return errBlocked
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&start, "start", "", "shift start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "shift end (RFC 3339)")
	cmd.Flags().StringVar(&exclude, "exclude-shift", "", "shift id to ignore, for edits")
	cmd.Flags().StringVar(&only, "only", "all", "run a single check: overlap, rest, weekly or time-off")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "exit non-zero when a conflict reaches this severity")
	return cmd
}

func newSlotsCmd(opts *options) *cobra.Command {
	var (
		driverID, date string
		duration, step int
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List a driver's open windows for a day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := opts.open()
			if err != nil {
				return err
			}
			free, err := ws.slots.GetAvailableTimeSlots(opts.context(cmd), driverID, date, duration)
			if err != nil {
				return err
			}
			if step <= 0 {
				return writeJSON(cmd.OutOrStdout(), free)
			}
			length := time.Duration(duration) * time.Minute
			starts := availability.SlotStarts(free, length, time.Duration(step)*time.Minute)
			out := make([]model.AvailableSlot, 0, len(starts))
			for _, s := range starts {
				out = append(out, model.AvailableSlot{StartTime: s, EndTime: s.Add(length)})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver id")
	cmd.Flags().StringVar(&date, "date", "", "day in the policy timezone (YYYY-MM-DD)")
	cmd.Flags().IntVar(&duration, "duration", 60, "minimum window length in minutes")
	cmd.Flags().IntVar(&step, "step", 0, "cut windows into fixed slots every N minutes")
	return cmd
}

func newAlternativesCmd(opts *options) *cobra.Command {
	var (
		driverID, start, end string
		limit                int
	)
	cmd := &cobra.Command{
		Use:   "alternatives",
		Short: "Rank other drivers who could take a shift",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := parseWindow(start, end)
			if err != nil {
				return err
			}
			ws, err := opts.open()
			if err != nil {
				return err
			}
			ranked, err := ws.engine.FindAlternativeDrivers(opts.context(cmd), driverID, w, limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ranked)
		},
	}
	cmd.Flags().StringVar(&driverID, "driver", "", "driver currently holding the shift")
	cmd.Flags().StringVar(&start, "start", "", "shift start (RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "shift end (RFC 3339)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum drivers to return (policy default when 0)")
	return cmd
}

func newPolicyCmd(opts *options) *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy file helpers",
	}
	policyCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load a policy and print the effective values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := policy.Load(opts.policyFile)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), p)
		},
	})
	return policyCmd
}

func asReport(conflicts []model.Conflict, err error) (model.ConflictReport, error) {
	if err != nil {
		return model.ConflictReport{}, err
	}
	return model.NewConflictReport(conflicts), nil
}

func parseWindow(start, end string) (interval.Window, error) {
	s, err := time.Parse(time.RFC3339, strings.TrimSpace(start))
	if err != nil {
		return interval.Window{}, fmt.Errorf("--start: %w", err)
	}
	e, err := time.Parse(time.RFC3339, strings.TrimSpace(end))
	if err != nil {
		return interval.Window{}, fmt.Errorf("--end: %w", err)
	}
	w := interval.Window{Start: s.UTC(), End: e.UTC()}
	return w, w.Validate()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
