package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/convaichat/pkg/datastream"
)

var (
	decodeDeltas   bool
	decodeReadSize int
)

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVar(&decodeDeltas, "deltas", false, "echo text deltas to stderr as they are folded")
	decodeCmd.Flags().IntVar(&decodeReadSize, "read-size", datastream.DefaultReadSize, "bytes requested per read")
}

var decodeCmd = &cobra.Command{
	Use:   "decode [file]",
	Short: "Decode a captured response stream and print the aggregated turn",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open stream: %w", err)
			}
			defer f.Close()
			in = f
		}

		var deltas io.Writer
		if decodeDeltas {
			deltas = cmd.ErrOrStderr()
		}
		return decodeStream(cmd.Context(), in, cmd.OutOrStdout(), deltas, decodeReadSize)
	},
}

// decodeStream folds r into a turn and writes it to out as indented JSON.
// Text deltas go to deltas when it is non-nil.
func decodeStream(ctx context.Context, r io.Reader, out, deltas io.Writer, readSize int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dec := datastream.NewDecoder(
		datastream.WithLogger(slog.Default()),
		datastream.WithReadSize(readSize),
	)

	var onDelta func(string)
	if deltas != nil {
		onDelta = func(s string) { fmt.Fprint(deltas, s) }
	}

	turn, err := dec.Decode(ctx, r, onDelta)
	if deltas != nil {
		fmt.Fprintln(deltas)
	}
	if err != nil {
		return fmt.Errorf("decode stream: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(turn)
}
