package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"despotify/internal/config"
	"despotify/internal/logging"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "despotify",
	Short: "Stream tracks from a local music library through engine sessions",
	Long: `despotify drives playback sessions over a local FLAC, MP3 and WAV
library. Tracks and albums are addressed by spotify:track: and
spotify:album: links.

Use "despotify play" to play a link on the speaker or into a WAV file, and
"despotify serve" to expose sessions over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.toml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "file holding DESPOTIFY_USERNAME and DESPOTIFY_PASSWORD")
}

// setup loads the configuration and builds the logger from it
func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("error configuring logging: %w", err)
	}
	return cfg, logger, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
