package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/mediacache/internal/netclass"
	"github.com/objectfs/mediacache/internal/planner"
	"github.com/objectfs/mediacache/internal/transport"
)

var (
	probeDuration float64
	probeClass    string
)

var probeCmd = &cobra.Command{
	Use:   "probe <resource>",
	Short: "Analyze a resource and print its chunk layout",
	Long: `Discover the byte size of a resource and print the chunk geometry the
planner derives for it.

Examples:
  # Probe an HTTP resource with a known duration
  mediacache probe https://cdn.example.com/episode.mp3 --duration 1800

  # Probe as a device on a 3g connection would
  mediacache probe https://cdn.example.com/episode.mp3 --class 3g`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().Float64Var(&probeDuration, "duration", 0, "known duration in seconds (0 = unknown)")
	probeCmd.Flags().StringVar(&probeClass, "class", "", "network class label (default: from config)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	t, _, err := transport.FromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}

	label := cfg.Network.Class
	if probeClass != "" {
		label = probeClass
	}

	p := planner.New(t, planner.Config{
		ProbeBytes:            cfg.Planner.ProbeBytes,
		AssumedBytesPerSecond: cfg.Planner.AssumedBytesPerSecond,
		EstimateEnabled:       cfg.Planner.EstimateEnabled,
		NetworkClass:          netclass.Normalize(label),
	}, logger)

	start := time.Now()
	desc, err := p.Analyze(ctx, args[0], probeDuration)
	if err != nil {
		return err
	}

	duration := "unknown"
	if desc.DurationKnown {
		duration = time.Duration(desc.Duration * float64(time.Second)).Round(time.Second).String()
	}

	out := cmd.OutOrStdout()
	printPairs(out, [][2]string{
		{"Resource", desc.ResourceID},
		{"Size", fmt.Sprintf("%s (%s bytes, from %s)", humanize.IBytes(uint64(desc.Size)), humanize.Comma(desc.Size), desc.SizeSource)},
		{"Duration", duration},
		{"Network class", string(desc.NetworkClass)},
		{"Chunk size", humanize.IBytes(uint64(desc.ChunkSize))},
		{"Chunks", fmt.Sprintf("%d", desc.ChunkCount)},
		{"Analyzed in", time.Since(start).Round(time.Millisecond).String()},
	})

	if desc.ChunkCount > 0 {
		last := desc.ByteRange(desc.ChunkCount - 1)
		fmt.Fprintf(out, "\nFirst chunk: %s\nLast chunk:  %s (%s)\n",
			desc.ByteRange(0).Header(), last.Header(), humanize.IBytes(uint64(last.Len())))
	}
	return nil
}
