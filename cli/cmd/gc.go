package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/wkalt/walrus/gc"
)

var (
	gcCutoff       uint64
	gcUseCutoff    bool
	gcInterval     time.Duration
	gcMaxFraction  float64
	gcSweepOrphans bool
	gcOrphanAge    time.Duration
)

// gcCmd represents the gc command
var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run a garbage collection pass",
	Long: `Run a garbage collection pass against a log. By default the
collection cutoff is the minimum position across all cursors; a log with no
cursors collects nothing unless --cutoff is given. Objects unlinked by a pass
are deleted by a later pass once the collection interval has elapsed.`,
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		collector := gc.NewCollector(provider(), logName,
			gc.WithInterval(gcInterval),
			gc.WithMaxCollectFraction(gcMaxFraction),
		)
		var report *gc.Report
		var err error
		if gcUseCutoff {
			report, err = collector.RunWithCutoff(ctx, gcCutoff)
		} else {
			report, err = collector.Run(ctx)
		}
		checkErr(err)
		fmt.Printf("cutoff:    %d\n", report.Cutoff)
		fmt.Printf("unlinked:  %d snapshots, %d fragments\n",
			report.UnlinkedSnapshots, report.UnlinkedFragments)
		fmt.Printf("deleted:   %d objects\n", report.DeletedObjects)
		if report.DeferredObjects > 0 {
			fmt.Printf("deferred:  %d objects await the collection interval\n", report.DeferredObjects)
		}
		if report.Resumed {
			fmt.Println("resumed a previously recorded pass")
		}
		if gcSweepOrphans {
			swept, err := collector.SweepOrphans(ctx, gcOrphanAge)
			checkErr(err)
			fmt.Printf("orphans:   %d swept\n", swept)
		}
	},
}

func init() {
	rootCmd.AddCommand(gcCmd)

	gcCmd.Flags().Uint64VarP(&gcCutoff, "cutoff", "", 0, "explicit collection cutoff offset")
	gcCmd.Flags().BoolVarP(&gcUseCutoff, "use-cutoff", "", false, "collect up to --cutoff even with no cursors")
	gcCmd.Flags().DurationVarP(&gcInterval, "interval", "", time.Hour, "unlink-to-delete interval")
	gcCmd.Flags().Float64VarP(&gcMaxFraction, "max-fraction", "", 0.5, "max fraction of entries per pass")
	gcCmd.Flags().BoolVarP(&gcSweepOrphans, "sweep-orphans", "", false, "also sweep uncommitted fragment objects")
	gcCmd.Flags().DurationVarP(&gcOrphanAge, "orphan-age", "", time.Hour, "min age for orphan sweep")
}
