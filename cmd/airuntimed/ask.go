package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ganeshballa0/bank-of-anthos/sdk/go/airuntime"
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt...]",
	Short: "Send one prompt to a running airuntimed and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, _ := cmd.Flags().GetString("url")
		tokenEnv, _ := cmd.Flags().GetString("token-env")
		key, _ := cmd.Flags().GetString("idempotency-key")

		token := strings.TrimSpace(os.Getenv(tokenEnv))
		if token == "" {
			return fmt.Errorf("environment variable %s is empty", tokenEnv)
		}

		client, err := airuntime.NewClient(baseURL, nil)
		if err != nil {
			return err
		}
		client.SetAccessToken(token)

		resp, err := client.Ask(cmd.Context(), airuntime.AskRequest{
			Prompt:         strings.Join(args, " "),
			IdempotencyKey: key,
		})
		if err != nil {
			var apiErr *airuntime.APIError
			if errors.As(err, &apiErr) && apiErr.TurnID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "turn %s failed\n", apiErr.TurnID)
			}
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), resp.Answer)
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "turn=%s session=%s outcome=%s\n", resp.TurnID, resp.SessionID, resp.Outcome)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)

	askCmd.Flags().String("url", "http://localhost:8001", "Base URL of the runtime API")
	askCmd.Flags().String("token-env", "AIRUNTIME_TOKEN", "Environment variable holding the bearer token")
	askCmd.Flags().String("idempotency-key", "", "Turn id to reuse when retrying the same request")
	askCmd.Flags().BoolP("verbose", "v", false, "Print turn and session ids to stderr")
}
