package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	cliutil "github.com/wkalt/walrus/cli/util"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/reader"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the manifest of a log",
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		r := reader.NewReader(provider(), logName)
		m, err := r.Manifest(ctx)
		checkErr(err)

		if cliutil.StdoutRedirected() {
			color.NoColor = true
		}
		heading := color.New(color.Bold)
		heading.Printf("log %s\n", logName)
		fmt.Printf("sealed:      %v\n", m.Sealed)
		fmt.Printf("writer:      %s\n", m.Writer)
		fmt.Printf("next seqno:  %d\n", m.NextSeqNo)
		fmt.Printf("next offset: %d\n", m.NextOffset)
		fmt.Printf("setsum:      %s\n", m.Setsum.Hexdigest())
		fmt.Printf("pruned:      %s\n", m.Pruned.Hexdigest())
		fmt.Printf("live:        %s\n", m.LiveSetsum().Hexdigest())
		fmt.Println()

		headers := []string{"Kind", "Depth", "SeqNo", "Start", "Limit", "Size", "Setsum"}
		data := [][]string{}
		for _, snap := range m.Snapshots {
			data = append(data, []string{
				"snapshot",
				strconv.Itoa(int(snap.Depth)),
				"",
				snap.Start.String(),
				snap.Limit.String(),
				"",
				snap.Setsum.Hexdigest()[:16],
			})
		}
		var bytes uint64
		for _, frag := range m.Fragments {
			bytes += frag.SizeBytes
			data = append(data, []string{
				"fragment",
				"",
				strconv.FormatUint(frag.SeqNo, 10),
				frag.Start.String(),
				frag.Limit.String(),
				units.HumanSize(float64(frag.SizeBytes)),
				frag.Setsum.Hexdigest()[:16],
			})
		}
		cliutil.PrintTable(os.Stdout, headers, data)
		fmt.Printf("\n%d snapshots, %d fragments (%s loose)\n",
			len(m.Snapshots), len(m.Fragments), units.HumanSize(float64(bytes)))
		checkErr(m.Validate())
	},
}

var inspectTreeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the snapshot tree of a log",
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		store := provider()
		r := reader.NewReader(store, logName)
		m, err := r.Manifest(ctx)
		checkErr(err)
		ms := manifest.NewStore(store, logName)
		for _, snap := range m.Snapshots {
			printSnapshot(ctx, ms, snap, 0)
		}
		for _, frag := range m.Fragments {
			fmt.Printf("fragment %d [%s, %s)\n", frag.SeqNo, frag.Start, frag.Limit)
		}
	},
}

func printSnapshot(ctx context.Context, ms *manifest.Store, snap manifest.Snapshot, indent int) {
	for i := 0; i < indent; i++ {
		fmt.Print("  ")
	}
	fmt.Printf("snapshot depth=%d [%s, %s) %s\n",
		snap.Depth, snap.Start, snap.Limit, snap.Setsum.Hexdigest()[:16])
	node, err := ms.GetSnapshotNode(ctx, snap)
	checkErr(err)
	for _, child := range node.Snapshots {
		printSnapshot(ctx, ms, child, indent+1)
	}
	for _, frag := range node.Fragments {
		for i := 0; i < indent+1; i++ {
			fmt.Print("  ")
		}
		fmt.Printf("fragment %d [%s, %s)\n", frag.SeqNo, frag.Start, frag.Limit)
	}
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.AddCommand(inspectTreeCmd)
}
