package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolkov/cfiwatch/internal/cfi/edge"
	"github.com/kolkov/cfiwatch/internal/cfi/stream"
	"github.com/kolkov/cfiwatch/internal/cfi/sysobs"
)

func init() {
	dumpCmd.Flags().Bool("hashes", false, "the file is a syscall hash stream")
}

// dumpCmd represents the dump command
var dumpCmd = &cobra.Command{
	Use:           "dump <FILE>",
	Short:         "List the records of an edge or hash stream",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		setup()

		f, err := os.Open(filepath.Clean(args[0]))
		if err != nil {
			return err
		}
		defer f.Close()

		if hashes, _ := cmd.Flags().GetBool("hashes"); hashes {
			return dumpHashes(cmd.OutOrStdout(), f)
		}
		return dumpEdges(cmd.OutOrStdout(), f)
	},
}

//nolint:errcheck // listing output
func dumpEdges(out io.Writer, r io.Reader) error {
	er, err := stream.NewEdgeReader(r)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "%s run %s, format v%d\n", colorHeader("[ edges ]"), er.Header.RunID, er.Header.Version)
	for i := 0; ; i++ {
		e, err := er.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.Flush()
			return errors.Wrapf(err, "edge record %d", i)
		}
		typ := e.Type.String()
		if e.Type == edge.UnexpectedReturn {
			typ = colorBad(typ)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t->\t%s\texit %d\n", i, typ, node(e.From, e.FromModule), node(e.To, e.ToModule), e.ExitOrdinal)
	}
	return w.Flush()
}

//nolint:errcheck // listing output
func dumpHashes(out io.Writer, r io.Reader) error {
	hr, err := stream.NewHashReader(r)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s run %s, format v%d\n", colorHeader("[ hashes ]"), hr.Header.RunID, hr.Header.Version)
	for i := 0; ; i++ {
		h, err := hr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "hash record %d", i)
		}
		fmt.Fprintf(out, "%d\t%#016x\n", i, h)
	}
}

func node(addr uint64, mod uint32) string {
	if sysobs.IsNode(addr) {
		return fmt.Sprintf("syscall(%d)", addr-sysobs.NodeAddress(0))
	}
	return fmt.Sprintf("m%d:%#x", mod, addr)
}
