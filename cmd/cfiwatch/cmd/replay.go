package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kolkov/cfiwatch/internal/cfi/config"
	"github.com/kolkov/cfiwatch/internal/cfi/replay"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
)

// ErrViolations is returned by replay --strict when the trace violated
// control-flow integrity.
var ErrViolations = errors.New("control-flow violations detected")

var (
	colorHeader = color.New(color.Bold, color.FgHiBlue).SprintFunc()
	colorBad    = color.New(color.Bold, color.FgHiRed).SprintFunc()
	colorGood   = color.New(color.FgHiGreen).SprintFunc()
	colorField  = color.New(color.FgHiCyan).SprintFunc()
)

func init() {
	replayCmd.Flags().StringP("output", "o", "edges.cfi", "edge stream output file")
	replayCmd.Flags().String("hashes", "", "syscall hash stream output file")
	replayCmd.Flags().String("db", "", "also store both streams in this sqlite database")
	replayCmd.Flags().Bool("strict", false, "exit with an error when violations are detected")
	replayCmd.Flags().Bool("halt-on-unexpected-return", false, "halt a thread on its first unexpected return")
	replayCmd.Flags().Int("fast-path-size", 0, "per-thread path cache entries (0 uses the config value)")
	viper.BindPFlag("replay.output", replayCmd.Flags().Lookup("output"))
	viper.BindPFlag("replay.hashes", replayCmd.Flags().Lookup("hashes"))
	viper.BindPFlag("replay.db", replayCmd.Flags().Lookup("db"))
	viper.BindPFlag("replay.strict", replayCmd.Flags().Lookup("strict"))
}

// replayCmd represents the replay command
var replayCmd = &cobra.Command{
	Use:           "replay <TRACE>",
	Short:         "Replay an engine event trace through the observer",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setup()

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("halt-on-unexpected-return") {
			cfg.HaltOnUnexpectedReturn, _ = cmd.Flags().GetBool("halt-on-unexpected-return")
		}
		if n, _ := cmd.Flags().GetInt("fast-path-size"); n > 0 {
			cfg.FastPathSize = n
		}

		tr, err := replay.Load(filepath.Clean(args[0]))
		if err != nil {
			return err
		}

		output := viper.GetString("replay.output")
		runID := uuid.New()
		files, err := stream.CreateFiles(output, viper.GetString("replay.hashes"), runID)
		if err != nil {
			return err
		}
		var sink stream.Sink = files
		if db := viper.GetString("replay.db"); db != "" {
			sq, err := stream.OpenSQLite(db, runID, 0)
			if err != nil {
				files.Close()
				return err
			}
			sink = stream.Tee{files, sq}
		}

		log.WithFields(log.Fields{
			"trace":   args[0],
			"threads": len(tr.Threads),
			"events":  tr.Events(),
			"run":     runID,
		}).Info("Replaying trace")

		res, err := replay.Run(cmd.Context(), tr, replay.Options{
			Config:  cfg,
			Sink:    sink,
			Log:     log.Log,
			Reports: cmd.ErrOrStderr(),
		})
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "failed to close output")
		}
		if err != nil {
			return err
		}

		printSummary(cmd.OutOrStdout(), tr, res, output)

		if viper.GetBool("replay.strict") && (res.UnexpectedReturns > 0 || res.NullTargets > 0 || len(res.Halts) > 0) {
			return ErrViolations
		}
		return nil
	},
}

//nolint:errcheck // summary output
func printSummary(out io.Writer, tr *replay.Trace, res *replay.Result, output string) {
	name := tr.Name
	if name == "" {
		name = "trace"
	}
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
	fmt.Fprintf(w, "%s %s\n", colorHeader("[ replay ]"), name)
	fmt.Fprintf(w, "%s\t%s events on %d thread(s), %s transfers\n", colorField("replayed"),
		humanize.Comma(int64(res.Events)), len(tr.Threads), humanize.Comma(int64(res.Dispatches)))
	fmt.Fprintf(w, "%s\t%d of %d live\n", colorField("blocks"), res.LiveBlocks, res.Blocks)
	fmt.Fprintf(w, "%s\t%s (%d new paths)\n", colorField("indirect paths"), humanize.Comma(int64(res.Paths)), res.NewPaths)
	fmt.Fprintf(w, "%s\t%d registered\n", colorField("trampolines"), res.Stubs)
	fmt.Fprintf(w, "%s\t%d pair(s)\n", colorField("syscalls"), res.SyscallPairs)

	e := res.Edges
	fmt.Fprintf(w, "%s\t%s written, %d buffered, %d redirected, %d acknowledged, %d dropped\n", colorField("edges"),
		humanize.Comma(int64(e.Written)), e.Buffered, e.Redirected, e.Acknowledged, e.Dropped)
	fmt.Fprintf(w, "%s\t%d edge(s), %d trampoline(s) with %d caller(s)\n", colorField("discarded at exit"),
		res.DiscardedEdges, res.DiscardedTrampolines, res.DiscardedCallers)
	fmt.Fprintf(w, "%s\t%d multi-frame, %d stack switch, %d stack bottom\n", colorField("returns"),
		res.MultiFrame, res.ContextSwitches, res.StackBottoms)

	if res.UnexpectedReturns == 0 && res.NullTargets == 0 {
		fmt.Fprintf(w, "%s\t%s\n", colorField("violations"), colorGood("none"))
	} else {
		fmt.Fprintf(w, "%s\t%s\n", colorField("violations"), colorBad(fmt.Sprintf(
			"%d unexpected return(s), %d null target(s), %d unique site(s)",
			res.UnexpectedReturns, res.NullTargets, res.UniqueReports)))
	}
	if len(res.Halts) > 0 {
		sort.Slice(res.Halts, func(i, j int) bool { return res.Halts[i].Thread < res.Halts[j].Thread })
		var halts []string
		for _, h := range res.Halts {
			halts = append(halts, fmt.Sprintf("thread %d at event %d: %v", h.Thread, h.Event, h.Err))
		}
		fmt.Fprintf(w, "%s\t%s\n", colorField("halted"), colorBad(strings.Join(halts, "; ")))
	}
	if fi, err := os.Stat(output); err == nil {
		fmt.Fprintf(w, "%s\t%s (%s)\n", colorField("output"), output, humanize.Bytes(uint64(fi.Size())))
	}
	w.Flush()
}
