package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentworkforce/rinkelrelay/internal/config"
	"github.com/agentworkforce/rinkelrelay/internal/relay"
	"github.com/agentworkforce/rinkelrelay/internal/rinkel"
	"github.com/agentworkforce/rinkelrelay/internal/salesforce"
	"github.com/spf13/cobra"
)

type callDetailLister interface {
	ListRecentCallDetails(ctx context.Context, perPage int) (rinkel.CallDetailPage, error)
}

type weborderInspector interface {
	Organization(ctx context.Context) (salesforce.Organization, error)
	SampleWeborders(ctx context.Context, limit int) ([]salesforce.WeborderSample, error)
}

type phoneMatchCase struct {
	Number   string
	Stored   string
	Expected bool
}

// phoneMatchCases are the formats seen in the Weborder phone field.
var phoneMatchCases = []phoneMatchCase{
	{"+31612345678", "06 12345678", true},
	{"+31612345678", "0612345678", true},
	{"+31612345678", "06 123 456 78", true},
	{"+31612345678", "+31 6 12345678", true},
	{"+31612345678", "06-123.456.78 (bel overdag)", true},
	{"+31612345678", "06 12345679", false},
	{"+31183646353", "0183 646 353", true},
}

func checkCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify configuration and connectivity to Rinkel and Salesforce",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := checkConfig(cfg, out); err != nil {
				return err
			}
			sf, err := salesforce.NewClient(salesforce.Options{
				InstanceURL:    cfg.Salesforce.InstanceURL,
				AccessToken:    cfg.Salesforce.AccessToken,
				APIVersion:     cfg.Salesforce.APIVersion,
				WeborderObject: cfg.Salesforce.WeborderObject,
				PhoneField:     cfg.Salesforce.PhoneField,
				StatusField:    cfg.Salesforce.StatusField,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			return runChecks(cmd.Context(), newRinkelClient(cfg), sf, cfg.Salesforce, out)
		},
	}
}

func section(out io.Writer, title string) {
	line := strings.Repeat("-", 55)
	fmt.Fprintf(out, "\n%s\n  %s\n%s\n", line, title, line)
}

func checkConfig(cfg *config.Config, out io.Writer) error {
	section(out, "1. Configuration")
	values := []struct {
		name  string
		value string
	}{
		{"RINKEL_API_KEY", cfg.Rinkel.APIKey},
		{"SF_INSTANCE_URL", cfg.Salesforce.InstanceURL},
		{"SF_ACCESS_TOKEN", cfg.Salesforce.AccessToken},
	}
	var missing []string
	for _, v := range values {
		if strings.TrimSpace(v.value) == "" {
			fmt.Fprintf(out, "  FAIL  %s missing\n", v.name)
			missing = append(missing, v.name)
			continue
		}
		display := config.Mask(v.value)
		if v.name == "SF_INSTANCE_URL" {
			display = v.value
		}
		fmt.Fprintf(out, "  OK    %s = %s\n", v.name, display)
	}
	if cfg.Rinkel.WebhookSecret == "" {
		fmt.Fprintln(out, "  WARN  RINKELRELAY_WEBHOOK_SECRET not set, webhook signatures are not checked")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// runChecks performs the connectivity checks in order and stops at the first
// failing one. The phone matching self-test always runs last.
func runChecks(ctx context.Context, rk callDetailLister, sf weborderInspector, sfCfg config.SalesforceConfig, out io.Writer) error {
	section(out, "2. Rinkel API")
	page, err := rk.ListRecentCallDetails(ctx, 3)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %v\n", describeRinkelError(err))
		return fmt.Errorf("rinkel check failed: %w", err)
	}
	fmt.Fprintf(out, "  OK    connected, %d calls on record\n\n  Latest calls:\n", page.TotalItems)
	for _, call := range page.Items {
		fmt.Fprintf(out, "    %s\n", formatCallLine(call))
	}

	section(out, "3. Salesforce")
	org, err := sf.Organization(ctx)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %v\n", err)
		return fmt.Errorf("salesforce check failed: %w", err)
	}
	name := org.Name
	if name == "" {
		name = "unknown"
	}
	fmt.Fprintf(out, "  OK    connected to %s\n", name)

	section(out, "4. Salesforce Weborder object")
	samples, err := sf.SampleWeborders(ctx, 5)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  object %q or field %q: %v\n", sfCfg.WeborderObject, sfCfg.PhoneField, err)
		return fmt.Errorf("weborder check failed: %w", err)
	}
	fmt.Fprintf(out, "  OK    object %q found\n  OK    field %q exists\n\n", sfCfg.WeborderObject, sfCfg.PhoneField)
	fmt.Fprintf(out, "  Records with a phone number (%d shown):\n", len(samples))
	for _, sample := range samples {
		phone := sample.Phone
		if phone == "" {
			phone = "-"
		}
		fmt.Fprintf(out, "    %-20s  phone: %q\n", sample.Name, phone)
	}
	if len(samples) > 0 {
		stored := samples[0].Phone
		fmt.Fprintf(out, "\n  Normalization example: %q -> digits %q -> suffix(8) %q\n",
			stored, relay.DigitsOnly(stored), salesforce.SearchSuffix(stored))
	}

	section(out, "5. Phone number matching")
	if !phoneSelfTest(out) {
		return errors.New("phone matching self-test failed")
	}
	fmt.Fprintln(out, "\n  All checks passed. Start the listener with `rinkelrelay serve`.")
	return nil
}

func phoneSelfTest(out io.Writer) bool {
	allOK := true
	for _, tc := range phoneMatchCases {
		matched := salesforce.PhonesMatch(tc.Number, tc.Stored)
		status := "OK  "
		if matched != tc.Expected {
			status = "FAIL"
			allOK = false
		}
		verdict := "no match"
		if matched {
			verdict = "match"
		}
		fmt.Fprintf(out, "  %s  rinkel=%q salesforce=%q -> %s\n", status, tc.Number, tc.Stored, verdict)
	}
	return allOK
}

func formatCallLine(call rinkel.CallDetails) string {
	date := call.Date
	if len(date) > 10 {
		date = date[:10]
	}
	number := "anonymous"
	if call.ExternalNumber != nil {
		if n := firstNonBlank(call.ExternalNumber.Localized, call.ExternalNumber.E164); n != "" {
			number = n
		}
	}
	ai := "-"
	if call.Insights != nil && call.Insights.Status != "" {
		ai = call.Insights.Status
	}
	user := "-"
	if call.User != nil && call.User.FullName != "" {
		user = call.User.FullName
	}
	return fmt.Sprintf("%s  %-8s  %-10s  %-18s  %ds  AI:%s  %s", date, call.Direction, call.Status, number, call.Duration, ai, user)
}

func describeRinkelError(err error) string {
	var httpErr *rinkel.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
		return "invalid API key (401)"
	}
	return err.Error()
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
