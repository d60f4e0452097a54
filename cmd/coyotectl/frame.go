package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/coyote/pkg/protocol"
	"github.com/srg/coyote/pkg/pulse"
)

// frameCmd groups the offline codec tools
var frameCmd = &cobra.Command{
	Use:   "frame",
	Short: "Encode and decode protocol frames",
	Long: `Build or inspect raw Coyote frames without a device.

Frames are printed and accepted as hex; spaces and colons in the input are ignored.`,
}

var frameEncodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a power command",
	Long: `Encode a 0xB0 power command.

Strengths are sent as an absolute set carrying --seq; with --no-strengths the
frame carries pulses only. Four identical pulses per channel are generated for
--hz and --intensity. An intensity above 100 yields the zero pad.`,
	Example: `  coyotectl frame encode --a 20 --b 30 --seq 1
  coyotectl frame encode --no-strengths --hz 50 --intensity 40`,
	Args: cobra.NoArgs,
	RunE: runFrameEncode,
}

var frameParamsCmd = &cobra.Command{
	Use:   "params",
	Short: "Encode the configured parameter sync frame",
	Args:  cobra.NoArgs,
	RunE:  runFrameParams,
}

var frameDecodeCmd = &cobra.Command{
	Use:     "decode <hex>",
	Short:   "Decode a command or notification frame",
	Example: `  coyotectl frame decode "B1 03 14 1E"`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runFrameDecode,
}

var (
	frameA           uint8
	frameB           uint8
	frameSeq         uint8
	frameHz          float64
	frameIntensity   int
	frameNoStrengths bool
	frameNoPulses    bool
)

func init() {
	frameEncodeCmd.Flags().Uint8Var(&frameA, "a", 0, "Channel A strength (0-200)")
	frameEncodeCmd.Flags().Uint8Var(&frameB, "b", 0, "Channel B strength (0-200)")
	frameEncodeCmd.Flags().Uint8Var(&frameSeq, "seq", 1, "Sequence number (0-15)")
	frameEncodeCmd.Flags().Float64Var(&frameHz, "hz", 100, "Pulse frequency in Hz")
	frameEncodeCmd.Flags().IntVar(&frameIntensity, "intensity", 0, "Pulse intensity (0-100)")
	frameEncodeCmd.Flags().BoolVar(&frameNoStrengths, "no-strengths", false, "Send pulses only")
	frameEncodeCmd.Flags().BoolVar(&frameNoPulses, "no-pulses", false, "Send strengths only")

	frameCmd.AddCommand(frameEncodeCmd)
	frameCmd.AddCommand(frameParamsCmd)
	frameCmd.AddCommand(frameDecodeCmd)
}

func runFrameEncode(cmd *cobra.Command, args []string) error {
	var strengths *protocol.Strengths
	if !frameNoStrengths {
		strengths = &protocol.Strengths{A: frameA, B: frameB}
	}

	var pulses *protocol.Pulses
	if !frameNoPulses {
		if frameHz <= 0 {
			return fmt.Errorf("invalid frequency %g: must be positive", frameHz)
		}
		g := pulse.NewGenerator(pulse.Direct, pulse.Window{MinHz: frameHz, MaxHz: frameHz})
		p := g.Generate(frameHz, 0)
		// generator clamps intensity; keep the raw value so out-of-range input shows the pad
		p.Intensity = frameIntensity
		pulses = &protocol.Pulses{}
		for i := range protocol.PulsesPerPacket {
			pulses.A[i] = p
			pulses.B[i] = p
		}
	}

	cmd.SilenceUsage = true
	frame, err := protocol.EncodePowerCommand(strengths, pulses, frameSeq)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatHex(frame))
	return nil
}

func runFrameParams(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatHex(protocol.EncodeParameterSync(cfg.DeviceParameters())))
	return nil
}

func runFrameDecode(cmd *cobra.Command, args []string) error {
	raw := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(strings.Join(args, ""))
	frame, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("invalid hex %q: %w", raw, err)
	}
	cmd.SilenceUsage = true
	if len(frame) == 0 {
		return protocol.ErrEmptyFrame
	}

	out := cmd.OutOrStdout()
	switch frame[0] {
	case protocol.CmdPowerCommand:
		pc, err := protocol.DecodePowerCommand(frame)
		if err != nil {
			return err
		}
		printPowerCommand(out, pc)
	case protocol.CmdParameterSync:
		p, err := protocol.DecodeParameterSync(frame)
		if err != nil {
			return err
		}
		printParameters(out, p)
	default:
		n, err := protocol.DecodeNotification(frame)
		if err != nil {
			return err
		}
		printNotification(out, n)
	}
	return nil
}

func formatHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

var modeNames = map[protocol.Mode]string{
	protocol.ModeNoChange:    "no-change",
	protocol.ModeIncrease:    "increase",
	protocol.ModeAbsoluteSet: "absolute",
	protocol.ModeDecrease:    "decrease",
}

func printPowerCommand(w io.Writer, pc protocol.PowerCommand) {
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintln(w, "Power command (0xB0)")
	fmt.Fprintf(w, "  seq:       %d\n", pc.Seq)
	fmt.Fprintf(w, "  mode:      A=%s B=%s\n", modeNames[pc.ModeA], modeNames[pc.ModeB])
	fmt.Fprintf(w, "  strengths: %s\n", pc.Strengths)
	printChannel(w, "A", pc.Pulses.A)
	printChannel(w, "B", pc.Pulses.B)
}

func printChannel(w io.Writer, name string, pulses [protocol.PulsesPerPacket]protocol.Pulse) {
	parts := make([]string, 0, len(pulses))
	for _, p := range pulses {
		if p.Duration == 0 && p.Intensity == 0 {
			parts = append(parts, "-")
			continue
		}
		parts = append(parts, fmt.Sprintf("%dms/%dHz@%d", p.Duration, pulse.DisplayFrequency(p.Duration), p.Intensity))
	}
	fmt.Fprintf(w, "  pulses %s:  %s\n", name, strings.Join(parts, " "))
}

func printParameters(w io.Writer, p protocol.Parameters) {
	color.New(color.FgCyan, color.Bold).Fprintln(w, "Parameter sync (0xBF)")
	fmt.Fprintf(w, "  limit:             A=%d B=%d\n", p.ALimit, p.BLimit)
	fmt.Fprintf(w, "  frequency balance: A=%d B=%d\n", p.AFrequencyBalance, p.BFrequencyBalance)
	fmt.Fprintf(w, "  intensity balance: A=%d B=%d\n", p.AIntensityBalance, p.BIntensityBalance)
}

func printNotification(w io.Writer, n protocol.Notification) {
	title := color.New(color.FgGreen, color.Bold)
	switch v := n.(type) {
	case protocol.PowerUpdate:
		title.Fprintln(w, "Power update (0xB1)")
		fmt.Fprintf(w, "  seq:       %d\n", v.Seq)
		fmt.Fprintf(w, "  strengths: A=%d B=%d\n", v.A, v.B)
	case protocol.Ack:
		title.Fprintln(w, "Ack (0x51)")
		fmt.Fprintf(w, "  seq: %d\n", v.Seq)
	case protocol.ActivePower:
		title.Fprintln(w, "Active power (0x53)")
		fmt.Fprintf(w, "  power: A=%d B=%d\n", v.A, v.B)
	case protocol.Unknown:
		color.New(color.FgYellow).Fprintf(w, "Unknown frame 0x%02X\n", v.Command())
		fmt.Fprintf(w, "  raw: % X\n", v.Raw)
	}
}
