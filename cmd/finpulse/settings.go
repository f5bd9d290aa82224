package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcourtman/finpulse/internal/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change display and AI preferences",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			s := a.settings.Snapshot()
			if len(args) == 0 {
				printSettings(s)
				return nil
			}
			switch args[0] {
			case settings.KeyCurrency:
				fmt.Println(s.Currency)
			case settings.KeyLocale:
				fmt.Println(s.Locale)
			case settings.KeyAIModel:
				fmt.Println(s.AIModel)
			default:
				return fmt.Errorf("unknown setting %q", args[0])
			}
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting",
	Example: `  finpulse settings set currency EUR
  finpulse settings set locale de-DE
  finpulse settings set aiModel claude`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			key, value := args[0], args[1]
			var err error
			switch key {
			case settings.KeyCurrency:
				err = a.settings.SetCurrency(value)
			case settings.KeyLocale:
				err = a.settings.SetLocale(value)
			case settings.KeyAIModel:
				err = a.settings.SetAIModel(value)
			default:
				return fmt.Errorf("unknown setting %q", key)
			}
			if err != nil {
				return err
			}
			printSettings(a.settings.Snapshot())
			return nil
		})
	},
}

var settingsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print settings whenever another process changes them",
	Long:  `Follow changes to the settings file. Requires FINPULSE_STORAGE=file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			a.settings.OnChange(printSettings)
			printSettings(a.settings.Snapshot())

			if err := a.settings.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if ctx.Err() == nil {
				return fmt.Errorf("storage backend %q cannot be watched", a.cfg.StorageBackend)
			}
			return nil
		})
	},
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsWatchCmd)
}

func printSettings(s settings.Settings) {
	fmt.Printf("currency=%s locale=%s aiModel=%s\n", s.Currency, s.Locale, s.AIModel)
}
