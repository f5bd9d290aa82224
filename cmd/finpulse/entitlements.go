package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rcourtman/finpulse/internal/entitlements"
	"github.com/rcourtman/finpulse/internal/logging"
	"github.com/rcourtman/finpulse/internal/subscriptions"
)

var entitlementsCmd = &cobra.Command{
	Use:     "entitlements",
	Aliases: []string{"ent"},
	Short:   "Inspect plan entitlements",
	Long:    `Fetch the current subscription and show which features and usage limits apply`,
}

var entitlementsCheckCmd = &cobra.Command{
	Use:   "check <feature> [feature...]",
	Short: "Check access to one or more features",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			query, err := loadSubscription(ctx, a)
			if err != nil {
				return err
			}
			resolver := entitlements.NewResolver(query)
			evaluator := entitlements.NewEvaluator(query)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "FEATURE\tNAME\tACCESS\tCAN USE")
			for _, feature := range args {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					feature,
					entitlements.GetFeatureDisplayName(feature),
					yesNo(resolver.HasAccess(feature, entitlements.TierFree)),
					yesNo(evaluator.CanUseFeature(feature)),
				)
			}
			return w.Flush()
		})
	},
}

var entitlementsPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the capability summary of the current plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			query, err := loadSubscription(ctx, a)
			if err != nil {
				return err
			}

			sub, _ := query.Current()
			tier := entitlements.TierFree
			if sub.IsActive() && sub.Plan != nil && sub.Plan.Name != "" {
				tier = sub.Plan.Name
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Plan: %s\n", entitlements.GetTierDisplayName(tier))

			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entitlements.NewResolver(query).PlanFeatures())
		})
	},
}

var usageFlags []string

var entitlementsLimitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show usage limits, optionally against observed usage",
	Example: `  # Show every limit
  finpulse entitlements limits

  # Check observed usage
  finpulse entitlements limits --usage transactions_per_month=46`,
	RunE: func(cmd *cobra.Command, args []string) error {
		usage, err := parseUsage(usageFlags)
		if err != nil {
			return err
		}

		return withApp(func(ctx context.Context, a *app) error {
			query, err := loadSubscription(ctx, a)
			if err != nil {
				return err
			}
			evaluator := entitlements.NewEvaluator(query)

			keys := make([]string, 0, len(entitlements.FreeUsageLimits))
			for key := range entitlements.FreeUsageLimits {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "LIMIT\tVALUE\tUSED\tSTATUS")
			for _, key := range keys {
				limit := evaluator.UsageLimit(key)
				value := strconv.Itoa(limit)
				if entitlements.IsUnlimited(limit) {
					value = "unlimited"
				}
				used, status := "-", "-"
				if observed, ok := usage[key]; ok {
					used = strconv.Itoa(observed)
					status = string(evaluator.CheckLimit(key, observed))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", key, value, used, status)
			}
			return w.Flush()
		})
	},
}

func init() {
	entitlementsLimitsCmd.Flags().StringSliceVar(&usageFlags, "usage", nil, "observed usage as key=count (repeatable)")

	entitlementsCmd.AddCommand(entitlementsCheckCmd)
	entitlementsCmd.AddCommand(entitlementsPlanCmd)
	entitlementsCmd.AddCommand(entitlementsLimitsCmd)
}

// loadSubscription fetches the subscription once. Without a token the
// query reports no subscription, so free-tier answers apply.
func loadSubscription(ctx context.Context, a *app) (*subscriptions.Query, error) {
	client := subscriptions.NewClient(a.cfg.APIURL, nil, logging.New("subscriptions"))
	query := subscriptions.NewQuery(client, a.tokens, a.cfg.SubscriptionTTL, logging.New("subscriptions"))

	if _, ok := a.tokens.Token(); !ok {
		a.logger.Info().Msg("Not signed in, showing free tier")
		return query, nil
	}
	if _, err := query.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("fetch subscription: %w", err)
	}
	return query, nil
}

func parseUsage(values []string) (map[string]int, error) {
	usage := make(map[string]int, len(values))
	for _, raw := range values {
		key, count, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --usage %q, expected key=count", raw)
		}
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid count in --usage %q", raw)
		}
		usage[key] = n
	}
	return usage, nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
