package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/keepmind9/imnotify/internal/core"
	"github.com/keepmind9/imnotify/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	notifyTargets string
	notifyMessage string

	notifyCmd = &cobra.Command{
		Use:   "notify --targets <names> [message]",
		Short: "Send a build event to a running daemon",
		Long: `Post a build event to the hook server of a running "imnotify serve".

Targets are whitespace separated user names or ids. The message comes from
--message, the remaining arguments, or stdin, in that order.

Examples:
  imnotify notify --targets "alice bob" --message "build #42 failed"
  imnotify notify -t alice deploy finished
  echo "nightly build green" | imnotify notify -t "alice carol"
  imnotify notify --server http://ci-notify:8080 -t bob "tests broken"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := notifyMessageFrom(notifyMessage, args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			targets := core.SplitTargets(notifyTargets)
			if len(targets) == 0 {
				return errors.New("at least one target is required")
			}

			client := NewHookClient(settings.GetString("server"), constants.HookHTTPTimeout)
			resp, err := client.Notify(cmd.Context(), core.NotifyRequest{
				Targets: targets,
				Message: message,
			})
			if err != nil {
				return fmt.Errorf("notify failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Notification %s accepted for %d target(s)\n", resp.ID, resp.Targets)
			return nil
		},
	}
)

// notifyMessageFrom picks the message from the flag, the arguments or stdin
func notifyMessageFrom(flag string, args []string, stdin io.Reader) (string, error) {
	message := strings.TrimSpace(flag)
	if message == "" && len(args) > 0 {
		message = strings.TrimSpace(strings.Join(args, " "))
	}
	if message == "" && stdin != nil {
		data, err := io.ReadAll(io.LimitReader(stdin, constants.MaxHookBodyBytes))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		return "", errors.New("message is empty")
	}
	return message, nil
}

func init() {
	notifyCmd.Flags().StringVarP(&notifyTargets, "targets", "t", "", "Whitespace separated target names or ids")
	notifyCmd.Flags().StringVarP(&notifyMessage, "message", "m", "", "Notification text")
	_ = notifyCmd.MarkFlagRequired("targets")
}
