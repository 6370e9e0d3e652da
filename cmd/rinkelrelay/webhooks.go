package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/agentworkforce/rinkelrelay/internal/rinkel"
	"github.com/spf13/cobra"
)

type webhookAPI interface {
	Subscribe(ctx context.Context, event, targetURL string) error
	ListWebhooks(ctx context.Context) ([]rinkel.Webhook, error)
}

type webhookTarget struct {
	Event string
	URL   string
}

// webhookTargets maps the two Rinkel events onto this service's endpoints.
func webhookTargets(baseURL string) []webhookTarget {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return []webhookTarget{
		{Event: "callEnd", URL: base + "/webhook/callend"},
		{Event: "callInsights", URL: base + "/webhook/callinsights"},
	}
}

func webhooksCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage Rinkel webhook subscriptions",
	}

	var baseURL string
	register := &cobra.Command{
		Use:   "register",
		Short: "Subscribe the callEnd and callInsights webhooks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.RequireRinkel(); err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = cfg.Rinkel.WebhookBaseURL
			}
			if strings.TrimSpace(baseURL) == "" {
				return errors.New("WEBHOOK_BASE_URL is required, for example https://relay.example.com")
			}
			return registerWebhooks(cmd.Context(), newRinkelClient(cfg), baseURL, cmd.OutOrStdout())
		},
	}
	register.Flags().StringVar(&baseURL, "base-url", "", "public base URL of this service (default $WEBHOOK_BASE_URL)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the webhooks registered in Rinkel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.RequireRinkel(); err != nil {
				return err
			}
			return listWebhooks(cmd.Context(), newRinkelClient(cfg), cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(register, list)
	return cmd
}

// registerWebhooks subscribes every target, lists the resulting state and
// fails when any subscription failed.
func registerWebhooks(ctx context.Context, api webhookAPI, baseURL string, out io.Writer) error {
	targets := webhookTargets(baseURL)
	fmt.Fprintf(out, "Base URL: %s\n\n", strings.TrimRight(baseURL, "/"))

	succeeded := 0
	for _, target := range targets {
		if err := api.Subscribe(ctx, target.Event, target.URL); err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", target.Event, err)
			continue
		}
		succeeded++
		fmt.Fprintf(out, "  OK    %s -> %s\n", target.Event, target.URL)
	}
	fmt.Fprintln(out)
	if err := listWebhooks(ctx, api, out); err != nil {
		fmt.Fprintf(out, "could not list webhooks: %v\n", err)
	}
	fmt.Fprintf(out, "\n%d/%d webhooks registered.\n", succeeded, len(targets))
	if succeeded != len(targets) {
		return fmt.Errorf("%d webhook registrations failed", len(targets)-succeeded)
	}
	return nil
}

func listWebhooks(ctx context.Context, api webhookAPI, out io.Writer) error {
	hooks, err := api.ListWebhooks(ctx)
	if err != nil {
		return err
	}
	if len(hooks) == 0 {
		fmt.Fprintln(out, "No webhooks registered in Rinkel.")
		return nil
	}
	fmt.Fprintln(out, "Webhooks in Rinkel:")
	for _, hook := range hooks {
		state := "inactive"
		if hook.Active {
			state = "active"
		}
		fmt.Fprintf(out, "  [%s] %s -> %s\n", state, hook.Event, hook.URL)
	}
	return nil
}
