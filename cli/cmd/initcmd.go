package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/wkalt/walrus/wal"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new, empty log",
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		checkErr(wal.Init(context.Background(), provider(), logName))
		fmt.Printf("initialized log %s\n", logName)
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal a log against all future appends",
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		w, err := wal.NewWriter(ctx, provider(), logName)
		checkErr(err)
		checkErr(w.Seal(ctx))
		checkErr(w.Close())
		fmt.Printf("sealed log %s\n", logName)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(sealCmd)
}
