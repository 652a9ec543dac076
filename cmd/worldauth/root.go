// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the worldauth CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worldauth",
		Short: "worldauth - credential and session authority for multiplayer worlds",
		Long: `worldauth manages player registration, login, sessions, and
platform-bridged identities for a multiplayer world server.`,
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
