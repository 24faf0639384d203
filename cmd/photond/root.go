// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagSocket   string
	flagLogLevel string
	flagLogDir   string
	flagJSONLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "photond",
	Short: "Local daemon hosting long-lived photons for short-lived clients",
	Long: `photond keeps user photons loaded in a persistent background process so
CLIs, editors and webhooks can call into them over a Unix socket without
paying the load cost on every invocation. It layers pub/sub channels with
replay, advisory locks, cron jobs, hot reload and webhook ingestion on top.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"path to photond.yaml (default: ./photond.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info",
		"minimum log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "",
		"also write JSON logs to this directory")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLogs, "json-logs", false,
		"emit JSON records on stderr instead of text")

	rootCmd.AddCommand(serveCmd)
}
