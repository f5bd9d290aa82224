package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcourtman/finpulse/internal/aibridge"
	"github.com/rcourtman/finpulse/internal/entitlements"
	"github.com/rcourtman/finpulse/internal/logging"
)

var aiCmd = &cobra.Command{
	Use:   "ai",
	Short: "Talk to the AI gateway",
}

var (
	aiModelFlag    string
	aiSkipGateFlag bool
)

var aiRequestCmd = &cobra.Command{
	Use:       "request <type>",
	Short:     "Send one AI request and print the response",
	Long:      `Send an AI request of the given type (` + requestTypeList() + `) and print the response data as JSON`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: requestTypeNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		reqType := aibridge.RequestType(strings.ToLower(args[0]))
		if !reqType.Valid() {
			return fmt.Errorf("unknown request type %q (want one of %s)", args[0], requestTypeList())
		}

		return withApp(func(ctx context.Context, a *app) error {
			if !aiSkipGateFlag {
				query, err := loadSubscription(ctx, a)
				if err != nil {
					return err
				}
				if err := entitlements.NewResolver(query).RequireAccess(entitlements.FeatureAIInsights); err != nil {
					return fmt.Errorf("%w (upgrade to %s)", err, entitlements.GetTierDisplayName(entitlements.TierPremium))
				}
			}

			bridge := newBridge(a)
			if err := bridge.Connect(ctx); err != nil {
				return fmt.Errorf("connect to AI gateway: %w", err)
			}
			defer bridge.Close()

			bridge.OnProgress(func(p aibridge.Progress) {
				msg := p.Status
				if p.Message != "" {
					msg += ": " + p.Message
				}
				fmt.Fprintf(os.Stderr, "[%s] %s\n", p.Type, msg)
			})

			resp, err := bridge.Request(ctx, aibridge.Request{Type: reqType, Model: aiModelFlag})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		})
	},
}

var aiSwitchModelCmd = &cobra.Command{
	Use:   "switch-model <model>",
	Short: "Select the AI model for later requests",
	Long:  `Persist the model selection and, when the gateway is reachable, notify it of the switch`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model := strings.TrimSpace(args[0])
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.settings.SetAIModel(model); err != nil {
				return err
			}

			bridge := newBridge(a)
			if err := bridge.Connect(ctx); err != nil {
				a.logger.Info().Err(err).Msg("AI gateway not reachable, model saved locally only")
			} else {
				defer bridge.Close()
				if err := bridge.SwitchModel(model); err != nil {
					return fmt.Errorf("notify AI gateway: %w", err)
				}
			}

			fmt.Printf("AI model set to %s\n", model)
			return nil
		})
	},
}

func init() {
	aiRequestCmd.Flags().StringVar(&aiModelFlag, "model", "", "model for this request (defaults to the saved selection)")
	aiRequestCmd.Flags().BoolVar(&aiSkipGateFlag, "skip-entitlement-check", false, "send the request without checking the ai_insights entitlement")

	aiCmd.AddCommand(aiRequestCmd)
	aiCmd.AddCommand(aiSwitchModelCmd)
}

func newBridge(a *app) *aibridge.Bridge {
	logger := logging.New("aibridge")
	dialer := aibridge.NewWebSocketDialer(a.cfg.AIEndpoints(), logger)
	return aibridge.New(dialer, a.tokens, aibridge.Options{
		Timeout: a.cfg.AITimeout,
		Model:   a.settings.AIModel(),
	}, logger)
}

func requestTypeNames() []string {
	names := make([]string, len(aibridge.RequestTypes))
	for i, t := range aibridge.RequestTypes {
		names[i] = string(t)
	}
	return names
}

func requestTypeList() string {
	return strings.Join(requestTypeNames(), ", ")
}
