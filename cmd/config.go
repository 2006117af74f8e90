// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration the node would run with, after defaults, the
config file and flag overrides are applied. Passwords are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, source, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.Redacted().Marshal()
		if err != nil {
			return err
		}
		fmt.Printf("# source: %s\n%s", source, out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
