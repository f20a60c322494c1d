// Command redopiped runs the redo-log capture pipeline as a standalone
// process: one instance, one source database, one output sink, driven by
// an ini config file and a small set of override flags.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/redopipe/redopipe/internal/config"
	"github.com/redopipe/redopipe/logger"
)

var (
	rootCmd = &cobra.Command{
		Use:               "redopiped",
		Short:             "Oracle redo-log change-data-capture pipeline",
		PersistentPreRunE: rootPreRun,
	}

	configFile = ""
	logLevel   = ""
	logInfos   = ""
	logError   = ""

	cfgVars = map[string]*pflag.Flag{}
	cfg     *config.Cfg
)

func init() {
	fs := rootCmd.PersistentFlags()

	fs.StringVar(&configFile, "config", configFile, "`path` to the pipeline ini config file")

	fs.StringVar(&logLevel, "log-level", logLevel, "override the config file's log_level")
	cfgVars["log-level"] = fs.Lookup("log-level")

	fs.StringVar(&logInfos, "log-infos", logInfos, "override the config file's log_infos path")
	cfgVars["log-infos"] = fs.Lookup("log-infos")

	fs.StringVar(&logError, "log-error", logError, "override the config file's log_error path")
	cfgVars["log-error"] = fs.Lookup("log-error")
}

// rootPreRun loads the config file once for every subcommand and applies
// any flag overrides before wiring the logger, matching the teacher's
// pattern of deciding used-vs-default flags ahead of the real work.
func rootPreRun(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("redopiped: %s", err)
	}
	cfg = loaded

	cmd.Flags().Visit(func(flg *pflag.Flag) {
		switch flg.Name {
		case "log-level":
			cfg.LogLevel = logLevel
		case "log-infos":
			cfg.LogInfos = logInfos
		case "log-error":
			cfg.LogError = logError
		}
	})

	return logger.Init(logger.Config{
		ErrorLogPath: cfg.LogError,
		InfoLogPath:  cfg.LogInfos,
		LogLevel:     cfg.LogLevel,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
