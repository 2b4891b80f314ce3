package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wkalt/walrus/wal"
)

var appendCreate bool

// appendCmd represents the append command
var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append lines from stdin to a log",
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		opts := []wal.Option{}
		if appendCreate {
			opts = append(opts, wal.WithAutoInitialize(true))
		}
		w, err := wal.NewWriter(ctx, provider(), logName, opts...)
		checkErr(err)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		count := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if _, err := w.Append(ctx, line); err != nil {
				_ = w.Close()
				bailf("append failed: %v", err)
			}
			count++
		}
		checkErr(scanner.Err())
		checkErr(w.Close())
		fmt.Printf("appended %d messages to %s\n", count, logName)
	},
}

func init() {
	rootCmd.AddCommand(appendCmd)

	appendCmd.Flags().BoolVarP(&appendCreate, "create", "", false, "create the log if it does not exist")
}
