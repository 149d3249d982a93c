package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/questsync/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "questsync",
		Short:        "Offline-first selective replication for quest projects",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newDownloadCommand(),
		newVerifyCommand(),
		newOffloadCommand(),
		newPushCommand(),
		newAttachmentsCommand(),
		newWatchCommand(),
		newHierarchyCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address of the remote API")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite path of the remote dataset")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Lifetime of issued profile tokens")
	flags.String("local-path", defaults.GetString("local.path"), "SQLite path of the device database")
	flags.String("attachments-dir", defaults.GetString("local.attachments_dir"), "Directory holding downloaded attachment blobs")
	flags.String("remote-url", defaults.GetString("remote.url"), "Base URL of the remote API")
	flags.String("remote-token", "", "Bearer token for the remote API")
	flags.String("profile", "", "Profile id acting on this device")
	flags.String("blobs-backend", defaults.GetString("blobs.backend"), "Blob storage backend (dir, s3)")
	flags.String("blobs-dir", defaults.GetString("blobs.dir"), "Directory of the dir blob backend")
	flags.String("s3-bucket", "", "Bucket of the s3 blob backend")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also write JSON logs to this rotated file")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "local.path", "local-path")
	bindFlag(cmd, "local.attachments_dir", "attachments-dir")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "profile.id", "profile")
	bindFlag(cmd, "blobs.backend", "blobs-backend")
	bindFlag(cmd, "blobs.dir", "blobs-dir")
	bindFlag(cmd, "s3.bucket", "s3-bucket")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
