package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/wkalt/walrus/cursor"
	"github.com/wkalt/walrus/manifest"
	"github.com/wkalt/walrus/reader"
)

var (
	tailOffset   uint64
	tailCursor   string
	tailFollow   bool
	tailInterval time.Duration
)

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print log messages from an offset or saved cursor",
	Run: func(cmd *cobra.Command, args []string) {
		if logName == "" {
			bailf("must specify --log")
		}
		ctx := context.Background()
		store := provider()
		r := reader.NewReader(store, logName)
		cs := cursor.NewStore(store, logName)

		from := manifest.Position{Offset: tailOffset}
		var witness cursor.Witness
		if tailCursor != "" {
			cur, w, err := cs.Load(ctx, tailCursor)
			if err != nil && !errors.Is(err, cursor.ErrCursorNotFound) {
				checkErr(err)
			}
			if cur != nil {
				from = cur.Position
				witness = w
			}
		}

		for {
			next, frags, err := r.Scan(ctx, from, reader.Limits{MaxFragments: 64})
			checkErr(err)
			for _, frag := range frags {
				messages, err := r.Messages(ctx, frag)
				checkErr(err)
				for _, message := range messages {
					if message.Position.Offset < from.Offset {
						continue
					}
					fmt.Printf("%d %s %s\n",
						message.Position.Offset,
						time.UnixMicro(int64(message.Position.Timestamp)).UTC().Format(time.RFC3339Nano),
						string(message.Data),
					)
				}
			}
			if tailCursor != "" && next.Offset > from.Offset {
				witness, err = cs.Save(ctx, tailCursor, next, "walrus-tail", witness)
				checkErr(err)
			}
			from = next
			if len(frags) > 0 {
				continue
			}
			if !tailFollow {
				return
			}
			time.Sleep(tailInterval)
		}
	},
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().Uint64VarP(&tailOffset, "offset", "o", 0, "offset to start from")
	tailCmd.Flags().StringVarP(&tailCursor, "cursor", "c", "", "cursor to resume and advance")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "poll for new messages")
	tailCmd.Flags().DurationVarP(&tailInterval, "interval", "", time.Second, "poll interval with --follow")
}
