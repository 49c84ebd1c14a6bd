package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/ai-check-client/internal/identity"
)

func newRegisterCommand(opts *rootOptions) *cobra.Command {
	var params identity.SignUpParams

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if params.Password == "" {
				params.Password = passwordFromEnv()
			}
			provider, err := opts.provider(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			result, err := identity.NewManager(provider, logger).Register(cmd.Context(), params)
			if err != nil {
				return err
			}
			if result.RequiresVerification {
				fmt.Fprintf(cmd.OutOrStdout(), "Account %s created. Enter the code sent to %s with:\n  aicheck confirm --username %s --code <code>\n",
					params.Username, params.Email, params.Username)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s created, you can sign in now.\n", params.Username)
			return nil
		},
	}

	cmd.Flags().StringVar(&params.Username, "username", "", "account username")
	cmd.Flags().StringVar(&params.Email, "email", "", "account email")
	cmd.Flags().StringVar(&params.Password, "password", "", "account password (default $"+passwordEnv+")")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newConfirmCommand(opts *rootOptions) *cobra.Command {
	var username, code string

	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm an account with the emailed verification code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			provider, err := opts.provider(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if err := identity.NewManager(provider, logger).Confirm(cmd.Context(), username, code); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Account %s verified, you can sign in now.\n", username)
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&code, "code", "", "6-digit verification code")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}
