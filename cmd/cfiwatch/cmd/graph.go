package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kolkov/cfiwatch/internal/cfi/cfg"
	"github.com/kolkov/cfiwatch/internal/cfi/edge"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
)

func init() {
	graphCmd.Flags().String("dot", "", "write the graph in Graphviz DOT format to this file")
	graphCmd.Flags().String("db", "", "read edges from this sqlite database instead of a stream file")
	graphCmd.Flags().String("run", "", "run id to read from --db (default is the newest run)")
	viper.BindPFlag("graph.dot", graphCmd.Flags().Lookup("dot"))
	viper.BindPFlag("graph.db", graphCmd.Flags().Lookup("db"))
	viper.BindPFlag("graph.run", graphCmd.Flags().Lookup("run"))
}

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:           "graph [EDGES]",
	Short:         "Build the observed control-flow graph from an edge stream",
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setup()

		g, source, err := loadGraph(args)
		if err != nil {
			return err
		}
		s, err := g.Stats()
		if err != nil {
			return errors.Wrap(err, "failed to analyse graph")
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
		fmt.Fprintf(w, "%s %s\n", colorHeader("[ graph ]"), source)
		fmt.Fprintf(w, "%s\t%s (+%d syscall nodes)\n", colorField("blocks"), humanize.Comma(int64(s.Blocks)), s.SyscallNodes)
		fmt.Fprintf(w, "%s\t%s from %s records (%d merged)\n", colorField("edges"),
			humanize.Comma(int64(s.Edges)), humanize.Comma(int64(s.Records)), s.Merged)
		types := make([]edge.Type, 0, len(s.ByType))
		for t := range s.ByType {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, t := range types {
			line := fmt.Sprintf("%d", s.ByType[t])
			if t == edge.UnexpectedReturn {
				line = colorBad(line)
			}
			fmt.Fprintf(w, "  %s\t%s\n", t, line)
		}
		fmt.Fprintf(w, "%s\t%d\n", colorField("roots"), s.Roots)
		fmt.Fprintf(w, "%s\t%d\n", colorField("loops"), s.Loops)
		w.Flush()

		if dot := viper.GetString("graph.dot"); dot != "" {
			f, err := os.Create(filepath.Clean(dot))
			if err != nil {
				return err
			}
			if err := g.DOT(f); err != nil {
				f.Close()
				return errors.Wrap(err, "failed to write DOT")
			}
			if err := f.Close(); err != nil {
				return err
			}
			log.WithField("file", dot).Info("Wrote DOT graph")
		}
		return nil
	},
}

// loadGraph builds the graph from a stream file or a database run.
func loadGraph(args []string) (*cfg.Graph, string, error) {
	if db := viper.GetString("graph.db"); db != "" {
		conn, err := stream.OpenDB(filepath.Clean(db), 0)
		if err != nil {
			return nil, "", err
		}
		run := viper.GetString("graph.run")
		if run == "" {
			runs, err := stream.Runs(conn)
			if err != nil {
				return nil, "", err
			}
			if len(runs) == 0 {
				return nil, "", errors.Errorf("no runs in %s", db)
			}
			run = runs[0].ID
		}
		edges, err := stream.LoadEdges(conn, run)
		if err != nil {
			return nil, "", err
		}
		g, err := cfg.FromEdges(edges)
		return g, fmt.Sprintf("%s (run %s)", db, run), err
	}

	if len(args) == 0 {
		return nil, "", errors.New("an edge stream file or --db is required")
	}
	f, err := os.Open(filepath.Clean(args[0]))
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	r, err := stream.NewEdgeReader(f)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to read %s", args[0])
	}
	g, err := cfg.Build(r)
	return g, fmt.Sprintf("%s (run %s)", args[0], r.Header.RunID), err
}
