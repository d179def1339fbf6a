package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/convaichat/internal/chat"
	"github.com/user/convaichat/internal/render"
	"github.com/user/convaichat/internal/types"
)

var (
	chatSession string
	showSources bool
)

func init() {
	rootCmd.AddCommand(chatCmd, askCmd)
	for _, c := range []*cobra.Command{chatCmd, askCmd} {
		c.Flags().StringVar(&chatSession, "session", "cli:local", "session key of the conversation")
		c.Flags().BoolVar(&showSources, "sources", false, "print FAQ sources used for each reply")
	}
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := buildStack(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		key := types.SessionKey(chatSession)
		history, err := st.service.History(ctx, key, 20)
		if err != nil {
			return err
		}
		for _, msg := range history {
			printMessage(cmd.OutOrStdout(), msg)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Commands: /retry, /clear, /quit")

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(cmd.OutOrStdout(), "> ")
			if !scanner.Scan() {
				fmt.Fprintln(cmd.OutOrStdout())
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())

			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/clear":
				if _, err := st.service.Clear(ctx, key); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), types.Greeting)
				continue
			case "/retry":
				reply, err := st.service.RetryLastMessage(ctx, key, printDelta(cmd.OutOrStdout()))
				finishReply(cmd, reply, err)
				continue
			}

			reply, err := st.service.SendMessage(ctx, key, line, printDelta(cmd.OutOrStdout()))
			finishReply(cmd, reply, err)
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
		}
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send a single message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		st, err := buildStack(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		reply, err := st.service.SendMessage(ctx, types.SessionKey(chatSession), strings.Join(args, " "), printDelta(cmd.OutOrStdout()))
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout())
			return err
		}
		finishReply(cmd, reply, nil)
		return nil
	},
}

func printDelta(w io.Writer) func(string) {
	return func(s string) { fmt.Fprint(w, s) }
}

func printMessage(w io.Writer, msg *types.ChatMessage) {
	prefix := "assistant"
	if msg.Role == types.RoleUser {
		prefix = "you"
	}
	content := msg.Content
	if msg.Role == types.RoleAssistant {
		content = render.Markdown(content)
	}
	suffix := ""
	if msg.Status == types.StatusError {
		suffix = " (failed)"
	}
	fmt.Fprintf(w, "%s%s: %s\n", prefix, suffix, content)
}

// finishReply ends the streamed line and prints sources and usage.
func finishReply(cmd *cobra.Command, reply *chat.Reply, err error) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return
	}
	if showSources {
		if sources := render.Sources(reply.Turn.ToolCalls); sources != "" {
			fmt.Fprintf(out, "\nSources:\n%s", sources)
		}
	}
	if meta := reply.Message.Turn; meta != nil && meta.Usage != nil {
		note := ""
		if meta.UsageEstimated {
			note = " (estimated)"
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s, %d tokens%s]\n", reply.Turn.FinishReason, meta.Usage.Total(), note)
	}
}
