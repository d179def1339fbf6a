package main

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/convaichat/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(cmd.InOrStdin())
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "convaichat setup")
		fmt.Fprintln(out, "Press Enter to accept the default value shown in brackets.")
		fmt.Fprintln(out)

		cfg.API.BaseURL = prompt(cmd, scanner, "Agent API base URL", cfg.API.BaseURL)
		cfg.API.APIKey = prompt(cmd, scanner, "API key", cfg.API.APIKey)
		cfg.API.Agent = prompt(cmd, scanner, "Agent name", cfg.API.Agent)

		timeout := prompt(cmd, scanner, "Request timeout (seconds)", strconv.Itoa(cfg.API.TimeoutSeconds))
		if n, err := strconv.Atoi(timeout); err == nil && n > 0 {
			cfg.API.TimeoutSeconds = n
		}

		cfg.Telegram.Token = prompt(cmd, scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(cmd *cobra.Command, scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
