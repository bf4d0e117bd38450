package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coachpo/tradesync/internal/infra/config"
)

const (
	defaultConfigPath = "config/app.yaml"
	cliLoggerPrefix   = "tradesync "
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tradesync",
		Short: "Keep the trades table consistent with the exchange",
		Long: `tradesync follows the exchange user-data stream and writes order fills, exits and
protective-stop changes to the trades table. A scheduled reconciliation pass backfills
realized PnL, commission and funding fees from the exchange income history.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to application configuration file (default: "+defaultConfigPath+")")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"},
		"dotenv files loaded before configuration")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newReconcileCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	return root
}

// load reads .env files then the YAML configuration.
func (o *rootOptions) load(cmd *cobra.Command) (config.AppConfig, error) {
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return config.AppConfig{}, err
	}
	return config.LoadOrDefault(cmd.Context(), o.resolveConfigPath())
}

func (o *rootOptions) resolveConfigPath() string {
	if o.configPath != "" {
		return o.configPath
	}
	return filepath.Clean(defaultConfigPath)
}

func newCLILogger() *log.Logger {
	return log.New(os.Stdout, cliLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}
