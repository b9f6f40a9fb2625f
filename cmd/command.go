// Copyright 2025 ZapScribe Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/zapscribe/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "zapscribe",
	Short: "zapscribe - chunked media upload and transcription",
	Long: `zapscribe accepts large media files as resumable chunked uploads,
reassembles them, extracts the audio track and transcribes it into plain
text and SRT captions.

Run "zapscribe server" to start the service and "zapscribe upload" to send a file.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("server", "http://localhost:3001", "Server base URL used by client commands (env ZAPSCRIBE_SERVER)")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
