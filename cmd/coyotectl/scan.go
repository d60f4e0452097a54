package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/coyote/internal/device"
	goble "github.com/srg/coyote/internal/device/go-ble"
	"github.com/srg/coyote/internal/lifecycle"
	"github.com/srg/coyote/internal/scan"
	"github.com/srg/coyote/internal/settings"
	"github.com/srg/coyote/pkg/config"
)

// adapterFactory creates the BLE adapter; tests swap it for a mock.
var adapterFactory = func(logger *logrus.Logger) device.Adapter {
	return goble.NewAdapter(logger)
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Locate a Coyote once",
	Long: `Run one attempt of the layered scan the connection loop uses and report the
peripheral it settles on, plus every advertisement seen along the way.

The known address from the settings file is tried first unless --fresh is set.
A found address is written back to the settings file unless --dry-run is set.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanTimeout time.Duration
	scanFormat  string
	scanFresh   bool
	scanDryRun  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanTimeout, "timeout", "t", 30*time.Second, "Upper bound for the whole attempt")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanFresh, "fresh", false, "Ignore the known address")
	scanCmd.Flags().BoolVar(&scanDryRun, "dry-run", false, "Do not persist the found address")
}

type scanReport struct {
	Address   string                 `json:"address,omitempty"`
	Step      string                 `json:"step,omitempty"`
	FromCache bool                   `json:"from_cache"`
	Seen      []device.Advertisement `json:"seen"`
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	store, err := scanStore(cfg)
	if err != nil {
		return err
	}
	platform, err := lifecycle.ParseProfile(cfg.Device.Profile)
	if err != nil {
		return err
	}

	strategy := scan.NewStrategy(adapterFactory(logger), store, scan.Options{
		Matcher:        scan.DefaultMatcher(cfg.Device.Name),
		StepTimeout:    cfg.Device.ScanStepTimeout,
		RefreshTimeout: cfg.Device.ScanRefreshTimeout,
		StaleHandle:    platform.StaleHandle(),
	}, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, locateErr := strategy.Locate(ctx)
	report := scanReport{Seen: sortedSeen(strategy.Seen())}
	if locateErr == nil {
		report.Address, report.Step, report.FromCache = res.Address, res.Step, res.FromCache
	}

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printScanReport(out, report)
	}
	return locateErr
}

// scanStore opens the settings file, or an empty in-memory store for fresh
// and dry runs.
func scanStore(cfg *config.Config) (settings.AddressStore, error) {
	if scanFresh {
		return settings.NewMemoryStore(""), nil
	}
	file, err := settings.OpenFile(cfg.Device.SettingsFile)
	if err != nil {
		return nil, err
	}
	if scanDryRun {
		return settings.NewMemoryStore(file.Address()), nil
	}
	return file, nil
}

func sortedSeen(seen map[string]device.Advertisement) []device.Advertisement {
	out := make([]device.Advertisement, 0, len(seen))
	for _, adv := range seen {
		out = append(out, adv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func printScanReport(w io.Writer, r scanReport) {
	if r.Address != "" {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "Coyote at %s", r.Address)
		fmt.Fprintf(w, " (step: %s)\n", r.Step)
	} else {
		color.New(color.FgRed, color.Bold).Fprintln(w, "No Coyote found")
	}

	if len(r.Seen) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\tSERVICES")
	for _, adv := range r.Seen {
		name := adv.Name
		if name == "" {
			name = "-"
		}
		services := "-"
		if len(adv.Services) > 0 {
			services = fmt.Sprint(adv.Services)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", adv.Address, name, adv.RSSI, services)
	}
	_ = tw.Flush()
}
