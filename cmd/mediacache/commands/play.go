package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/objectfs/mediacache/internal/planner"
	"github.com/objectfs/mediacache/internal/session"
)

var (
	playDuration float64
	playSeconds  float64
	playSpeed    float64
	playTick     time.Duration
)

var playCmd = &cobra.Command{
	Use:   "play <resource> [resource...]",
	Short: "Simulate playback of one or more resources",
	Long: `Open each resource in turn and advance a simulated playback position,
reporting prefetch progress. A chunk that is not cached when playback reaches
it is read on demand and counted as a stall.

Examples:
  # Play the first two minutes of an episode at 10x speed
  mediacache play https://cdn.example.com/episode.mp3 --duration 1800 --seconds 120 --speed 10

  # Play a queue, switching resources as each one ends
  mediacache play s3://podcasts/a.mp3 s3://podcasts/b.mp3 --seconds 30 --speed 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlay,
}

func init() {
	playCmd.Flags().Float64Var(&playDuration, "duration", 0, "known duration in seconds of every resource (0 = unknown)")
	playCmd.Flags().Float64Var(&playSeconds, "seconds", 0, "seconds of each resource to play (0 = to the end)")
	playCmd.Flags().Float64Var(&playSpeed, "speed", 1, "playback speed multiplier")
	playCmd.Flags().DurationVar(&playTick, "tick", time.Second, "wall-clock interval between progress reports")
}

func runPlay(cmd *cobra.Command, args []string) error {
	if playSpeed <= 0 {
		return fmt.Errorf("speed must be greater than 0")
	}
	if playTick <= 0 {
		return fmt.Errorf("tick must be greater than 0")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, resource := range args {
		if i == 0 {
			err = rt.session.Open(ctx, resource, playDuration)
		} else {
			err = rt.session.Switch(ctx, resource, playDuration)
		}
		if err != nil {
			return err
		}

		if err := playResource(ctx, out, rt.session); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
	}

	printSessionSummary(out, rt.session.Stats())
	return nil
}

// playResource advances the position of the current resource until it ends,
// playSeconds elapse or ctx is done.
func playResource(ctx context.Context, out io.Writer, s *session.Session) error {
	desc := s.Stats().Resource
	if desc == nil {
		return fmt.Errorf("no resource open")
	}

	end := desc.Duration
	if playSeconds > 0 && playSeconds < end {
		end = playSeconds
	}

	fmt.Fprintf(out, "\n%s: %s in %d chunks of %s (%s)\n",
		desc.ResourceID, humanize.IBytes(uint64(desc.Size)), desc.ChunkCount,
		humanize.IBytes(uint64(desc.ChunkSize)), desc.NetworkClass)

	ticker := time.NewTicker(playTick)
	defer ticker.Stop()

	var (
		position float64
		stalls   int
		stalled  time.Duration
		lastIdx  = -1
	)
	for {
		idx := desc.ChunkIndexForTime(position)
		if idx != lastIdx {
			if !s.ChunkReady(position) {
				start := time.Now()
				if _, err := s.ReadChunk(ctx, idx); err != nil {
					return err
				}
				stalls++
				stalled += time.Since(start)
			}
			lastIdx = idx
		}

		printProgress(out, desc, position, s.Stats())
		if position >= end {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		position += playTick.Seconds() * playSpeed
		if position > end {
			position = end
		}
		if err := s.Progress(position); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "finished %s: %d stalls, %s waiting on demand reads\n",
		desc.ResourceID, stalls, stalled.Round(time.Millisecond))
	return nil
}

func printProgress(out io.Writer, desc *planner.Descriptor, position float64, stats session.Stats) {
	fmt.Fprintf(out, "  %7.1fs  chunk %3d/%d  cache %s/%s (%d)  queue %d  active %d  %s\n",
		position,
		desc.ChunkIndexForTime(position), desc.ChunkCount-1,
		humanize.IBytes(uint64(stats.Cache.Size)), humanize.IBytes(uint64(stats.Cache.Capacity)), stats.Cache.Entries,
		stats.Scheduler.QueueDepth, stats.Scheduler.ActiveTasks, stats.Scheduler.State)
}

func printSessionSummary(out io.Writer, stats session.Stats) {
	fmt.Fprintln(out)
	printTable(out, []string{"Metric", "Value"}, [][]string{
		{"Fetches", fmt.Sprintf("%d (%d failed)", stats.Scheduler.TotalFetches, stats.Scheduler.FailedFetches)},
		{"Fetched", humanize.IBytes(uint64(stats.Scheduler.BytesFetched))},
		{"Average latency", stats.Scheduler.AverageLatency.Round(time.Millisecond).String()},
		{"Peak concurrency", fmt.Sprintf("%d/%d", stats.Scheduler.PeakActiveTasks, stats.Scheduler.MaxConcurrent)},
		{"Cancelled tasks", fmt.Sprintf("%d", stats.Scheduler.CancelledTasks)},
		{"Cache hit rate", fmt.Sprintf("%.1f%%", stats.Cache.HitRate*100)},
		{"Evictions", fmt.Sprintf("%d", stats.Cache.Evictions)},
		{"Rejections", fmt.Sprintf("%d", stats.Cache.Rejections)},
	})
}
