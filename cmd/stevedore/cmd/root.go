/*
Package cmd is the command line utility
*/
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	homedir "github.com/mitchellh/go-homedir"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "dev"
	cfgFile string
	// Verbose uses lots more verbosity for output and logging and such
	Verbose bool
	trace   bool
	logFile string

	logger *slog.Logger
	logF   *os.File
)

// NewRootCmd represents the base command when called without any subcommands
func NewRootCmd(lo io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stevedore",
		Short:   "Adaptive transfer control for chunked uploads",
		Version: version,
		Long: paragraph(fmt.Sprintf(`The %s ⚓ tool watches your network while you upload and keeps chunk size, concurrency and endpoint choice tuned to what the link can actually carry.`,
			makeGradientText(lipgloss.NewStyle(), "stevedore"),
		)),
		PersistentPreRun:  globalPersistentPreRun,
		PersistentPostRun: globalPersistentPostRun,
		SilenceUsage:      true, // Usage too heavy to print out every time this thing fails
		SilenceErrors:     true, // We have a wrapper using our logger to do this
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.stevedore.yaml)")
	cmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(&trace, "trace", "t", false, "Enable trace messages in output")
	cmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs as JSON to this file")
	cmd.SetVersionTemplate("{{ .Version }}\n")

	cmd.AddCommand(
		NewProbeCmd(),
		NewPlanCmd(),
		NewConfigCmd(),
	)

	cmd.SetOut(lo)

	return cmd
}

// NewRootCmdWithVersion stamps build version information on the root command
func NewRootCmdWithVersion(lo io.Writer, v string) *cobra.Command {
	version = v
	cmd := NewRootCmd(lo)
	cmd.Version = v
	return cmd
}

func init() {
	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigName(".stevedore")
	}

	viper.AutomaticEnv() // read in environment variables that match

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func checkErr(err error, msg string) {
	if msg == "" {
		msg = "Fatal Error"
	}
	if err != nil {
		slog.Error(msg, "error", err)
		os.Exit(2)
	}
}

func newLoggerOpts() log.Options {
	logOpts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "stevedore ⚓ ",
		Level:           log.InfoLevel,
		ReportCaller:    trace,
	}
	if Verbose {
		logOpts.Level = log.DebugLevel
	}

	return logOpts
}

func newJSONLoggerOpts() log.Options {
	logOpts := log.Options{
		ReportTimestamp: true,
		Prefix:          "stevedore",
		Level:           log.InfoLevel,
		ReportCaller:    trace,
		Formatter:       log.JSONFormatter,
	}
	if Verbose {
		logOpts.Level = log.DebugLevel
	}

	return logOpts
}

func setupLogging(w io.Writer) {
	if w == nil {
		panic("must set writer")
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		checkErr(err, "could not open log file")
		logF = f
		logger = slog.New(
			slogmulti.Fanout(
				log.NewWithOptions(w, newLoggerOpts()),
				log.NewWithOptions(logF, newJSONLoggerOpts()),
			),
		)
	} else {
		logger = slog.New(log.NewWithOptions(w, newLoggerOpts()))
	}
	slog.SetDefault(logger)
}

func globalPersistentPreRun(cmd *cobra.Command, _ []string) {
	setupLogging(cmd.OutOrStderr())
}

func globalPersistentPostRun(_ *cobra.Command, _ []string) {
	if logF != nil {
		if err := logF.Close(); err != nil {
			slog.Warn("error closing log file", "log-file", logF.Name())
		}
		logF = nil
	}
}
