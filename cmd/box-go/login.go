package main

import (
	"github.com/spf13/cobra"

	"github.com/boxkit/box-go/internal/config"
	"github.com/boxkit/box-go/internal/credfile"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize with Box and save credentials",
		RunE:  runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove saved credentials",
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	client, err := buildClient(logger)
	if err != nil {
		return err
	}

	// EnsureValid drives the whole lifecycle: stored credentials, refresh,
	// or a fresh authorization cycle through the terminal provider.
	if err := client.EnsureValid(cmd.Context()); err != nil {
		return err
	}

	statusf("Login successful.\n")

	return nil
}

func runLogout(_ *cobra.Command, _ []string) error {
	if err := credfile.Remove(config.DefaultCredentialPath()); err != nil {
		return err
	}

	statusf("Logged out.\n")

	return nil
}
