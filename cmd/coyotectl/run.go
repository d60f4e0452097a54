package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/coyote/internal/eventstream"
	"github.com/srg/coyote/internal/settings"
	"github.com/srg/coyote/pkg/config"
	"github.com/srg/coyote/pkg/coyote"
	"github.com/srg/coyote/pkg/protocol"
	"github.com/srg/coyote/pkg/pulse"
	"golang.org/x/term"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and stream a waveform",
	Long: `Keep a connection to the Coyote and stream a sine sweep across the configured
frequency window until interrupted.

The link is re-established automatically after drops. On exit a zero-pulse
packet is written before disconnecting. With --events, every device
notification is also published on a websocket (JSON, or CBOR with ?format=cbor).`,
	Example: `  coyotectl run --strength 20,20
  coyotectl run --config coyote.yaml --events :8080 --duration 5m`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runEvents   string
	runDuration time.Duration
	runStrength []uint
)

func init() {
	runCmd.Flags().StringVar(&runEvents, "events", "", "Serve the websocket event stream on this address (e.g. :8080)")
	runCmd.Flags().DurationVarP(&runDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	runCmd.Flags().UintSliceVar(&runStrength, "strength", nil, "Channel strengths A,B to apply once connected")
}

// newSequencer builds the sine waveform source for both channels.
func newSequencer(cfg *config.Config, start time.Time) (*pulse.Sequencer, error) {
	a, err := cfg.Generator()
	if err != nil {
		return nil, fmt.Errorf("channel A generator: %w", err)
	}
	b, err := cfg.Generator()
	if err != nil {
		return nil, fmt.Errorf("channel B generator: %w", err)
	}
	return pulse.NewSequencer(a, b, pulse.Sine(start, cfg.Pulse.Period, cfg.Pulse.Intensity), cfg.Pulse.Interval), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	var strengths *protocol.Strengths
	if len(runStrength) > 0 {
		if len(runStrength) != 2 || runStrength[0] > protocol.MaxStrength || runStrength[1] > protocol.MaxStrength {
			return fmt.Errorf("invalid --strength: want A,B each 0-%d", protocol.MaxStrength)
		}
		strengths = &protocol.Strengths{A: uint8(runStrength[0]), B: uint8(runStrength[1])}
	}

	cfg, logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	seq, err := newSequencer(cfg, time.Now())
	if err != nil {
		return err
	}

	store, err := settings.OpenFile(cfg.Device.SettingsFile)
	if err != nil {
		return err
	}
	opts := cfg.DeviceOptions()
	opts.Store = store

	dev, err := coyote.New(adapterFactory(logger), opts, logger)
	if err != nil {
		return err
	}


	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	status := newStatusPrinter(cmd.OutOrStdout(), isTerminal(cmd.OutOrStdout()))
	dev.Subscribe(status)

	var once sync.Once
	connectedOnce := make(chan struct{})
	dev.Subscribe(coyote.ObserverFuncs{
		OnConnectivity: func(connected bool, _ coyote.Stage) {
			if !connected {
				return
			}
			once.Do(func() { close(connectedOnce) })
			if strengths != nil {
				s := *strengths
				go dev.SendCommand(&s, nil)
			}
		},
	})

	var srv *http.Server
	if runEvents != "" {
		hub := eventstream.NewHub(logger)
		dev.Subscribe(hub)
		mux := http.NewServeMux()
		mux.Handle("/events", hub)
		srv = &http.Server{Addr: runEvents, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithField("error", err).Error("Event stream server failed")
			}
		}()
		logger.WithField("address", runEvents).Info("Event stream listening on /events")
		defer func() {
			hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	dev.Start(ctx)
	dev.StartUpdates(seq)
	<-ctx.Done()
	status.finish()

	stopErr := dev.Stop(context.Background())
	if stopErr != nil {
		logger.WithField("error", stopErr).Warn("Shutdown did not complete cleanly")
	}

	select {
	case <-connectedOnce:
	default:
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrNoDevice
		}
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// statusPrinter renders device events. On a terminal it keeps one status
// line updated in place; otherwise each change is its own line.
type statusPrinter struct {
	w   io.Writer
	tty bool

	mu        sync.Mutex
	stage     coyote.Stage
	battery   int
	strengths protocol.Strengths
	pulse     protocol.Pulse
	dirty     bool
}

func newStatusPrinter(w io.Writer, tty bool) *statusPrinter {
	return &statusPrinter{w: w, tty: tty, battery: -1}
}

func (p *statusPrinter) ConnectivityChanged(connected bool, stage coyote.Stage) {
	p.update(func() { p.stage = stage }, true)
}

func (p *statusPrinter) BatteryChanged(level int) {
	p.update(func() { p.battery = level }, true)
}

func (p *statusPrinter) PowerLevelsChanged(s protocol.Strengths) {
	p.update(func() { p.strengths = s }, true)
}

func (p *statusPrinter) PulseSent(pulses protocol.Pulses) {
	// pulses arrive every packet; only the live line shows them
	p.update(func() { p.pulse = pulses.A[0] }, p.tty)
}

func (p *statusPrinter) update(apply func(), render bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	apply()
	if !render {
		return
	}
	line := p.render()
	if p.tty {
		fmt.Fprintf(p.w, "\r\033[K%s", line)
		p.dirty = true
		return
	}
	fmt.Fprintln(p.w, line)
}

func (p *statusPrinter) render() string {
	stage := color.New(color.FgYellow).Sprint(p.stage)
	if p.stage == coyote.StageConnected {
		stage = color.New(color.FgGreen, color.Bold).Sprint(p.stage)
	}
	battery := "--"
	if p.battery >= 0 {
		battery = fmt.Sprintf("%d%%", p.battery)
	}
	line := fmt.Sprintf("%s  battery %s  power %s", stage, battery, p.strengths)
	if p.tty && p.pulse.Duration > 0 {
		line += color.New(color.FgCyan).Sprintf("  pulse %dHz@%d", p.pulse.Frequency, p.pulse.Intensity)
	}
	return line
}

// finish ends an in-place status line.
func (p *statusPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dirty {
		fmt.Fprintln(p.w)
		p.dirty = false
	}
}

var _ coyote.Observer = (*statusPrinter)(nil)
