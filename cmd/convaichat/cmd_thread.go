package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/convaichat/internal/types"
)

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadListCmd, threadShowCmd, threadClearCmd)
}

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect and reset conversation threads",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := buildStack(cfg)
		if err != nil {
			return err
		}

		ctx := context.Background()
		list, err := st.threads.List(ctx)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No threads found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "THREAD\tSESSION\tSTATUS\tMESSAGES\tUPDATED")
		for _, th := range list {
			count, err := st.messages.Count(ctx, th.ThreadID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				th.ThreadID,
				th.SessionKey,
				th.Status,
				count,
				th.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var threadShowLimit int

func init() {
	threadShowCmd.Flags().IntVar(&threadShowLimit, "limit", 50, "number of messages to show (0 for all)")
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print the messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := buildStack(cfg)
		if err != nil {
			return err
		}

		ctx := context.Background()
		id := types.ThreadID(args[0])
		if _, err := st.threads.Get(ctx, id); err != nil {
			return err
		}
		msgs, err := st.messages.Tail(ctx, id, threadShowLimit)
		if err != nil {
			return fmt.Errorf("read thread: %w", err)
		}
		for _, msg := range msgs {
			printMessage(cmd.OutOrStdout(), msg)
		}
		return nil
	},
}

var threadClearCmd = &cobra.Command{
	Use:   "clear <session-key>",
	Short: "Start a fresh thread for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st, err := buildStack(cfg)
		if err != nil {
			return err
		}

		thread, err := st.service.Clear(context.Background(), types.SessionKey(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s now uses thread %s.\n", args[0], thread.ThreadID)
		return nil
	},
}
