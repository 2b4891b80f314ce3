package cmd

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	cliutil "github.com/wkalt/walrus/cli/util"
	"github.com/wkalt/walrus/cursor"
	"github.com/wkalt/walrus/manifest"
	"golang.org/x/exp/maps"
)

var (
	cursorSetOffset uint64
	cursorSetForce  bool
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Manage consumer cursors",
}

var cursorLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cursors for a log",
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		cs := cursor.NewStore(provider(), logName)
		cursors, err := cs.List(ctx)
		checkErr(err)
		names := maps.Keys(cursors)
		sort.Strings(names)
		headers := []string{"Name", "Offset", "Timestamp", "Updated", "Writer"}
		data := [][]string{}
		for _, name := range names {
			cur := cursors[name]
			data = append(data, []string{
				name,
				strconv.FormatUint(cur.Position.Offset, 10),
				strconv.FormatUint(cur.Position.Timestamp, 10),
				time.UnixMicro(int64(cur.EpochUs)).UTC().Format(time.RFC3339),
				cur.Writer,
			})
		}
		cliutil.PrintTable(os.Stdout, headers, data)
	},
}

var cursorSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Set a cursor to an offset",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		cs := cursor.NewStore(provider(), logName)
		name := args[0]
		_, witness, err := cs.Load(ctx, name)
		if err != nil && !errors.Is(err, cursor.ErrCursorNotFound) {
			checkErr(err)
		}
		if !cursorSetForce {
			_, err = cs.Save(ctx, name, manifest.Position{Offset: cursorSetOffset}, "walrus-cli", witness)
			checkErr(err)
			return
		}
		// Forced writes retry through conflicts until they land.
		for {
			_, err = cs.Save(ctx, name, manifest.Position{Offset: cursorSetOffset}, "walrus-cli", witness)
			if !errors.Is(err, cursor.ErrCursorConflict) {
				checkErr(err)
				return
			}
			_, witness, err = cs.Load(ctx, name)
			if err != nil && !errors.Is(err, cursor.ErrCursorNotFound) {
				checkErr(err)
			}
		}
	},
}

var cursorRmCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete a cursor",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		cs := cursor.NewStore(provider(), logName)
		checkErr(cs.Delete(context.Background(), args[0]))
	},
}

func init() {
	rootCmd.AddCommand(cursorCmd)
	cursorCmd.AddCommand(cursorLsCmd)
	cursorCmd.AddCommand(cursorSetCmd)
	cursorCmd.AddCommand(cursorRmCmd)

	cursorSetCmd.Flags().Uint64VarP(&cursorSetOffset, "offset", "o", 0, "offset to set")
	cursorSetCmd.Flags().BoolVarP(&cursorSetForce, "force", "", false, "retry through conflicting updates")
}
