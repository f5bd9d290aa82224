package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/finpulse/internal/token"
)

var readPassword = term.ReadPassword

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the stored bearer token",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set [token]",
	Short: "Store the bearer token issued by the sign-in flow",
	Long:  `Store the bearer token. Without an argument the token is read from stdin, without echo when stdin is a terminal.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := ""
		if len(args) == 1 {
			raw = args[0]
		} else {
			var err error
			if raw, err = readToken(); err != nil {
				return err
			}
		}

		if _, err := token.DecodeUserID(raw); err != nil {
			return err
		}

		return withApp(func(ctx context.Context, a *app) error {
			if err := a.tokens.Set(raw); err != nil {
				return err
			}
			fmt.Println("Token stored")
			return nil
		})
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the claims of the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			raw, ok := a.tokens.Token()
			if !ok {
				return token.ErrNoToken
			}
			claims, err := token.Decode(raw)
			if err != nil {
				return err
			}
			fmt.Printf("User ID: %s\n", claims.UserID)
			if claims.Email != "" {
				fmt.Printf("Email:   %s\n", claims.Email)
			}
			if claims.ExpiresAt != nil {
				exp := claims.ExpiresAt.Time
				state := "valid"
				if time.Now().After(exp) {
					state = "expired"
				}
				fmt.Printf("Expires: %s (%s)\n", exp.Format(time.RFC3339), state)
			}
			return nil
		})
	},
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored token (sign out)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.tokens.Clear(); err != nil {
				return err
			}
			fmt.Println("Token removed")
			return nil
		})
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenClearCmd)
}

func readToken() (string, error) {
	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		fmt.Print("Token: ")
		b, err := readPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
