package main

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "prism-board",
		Short:         "Real-time task board server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newStorageInitCmd(),
		newGenTokenCmd(),
		newWatchCmd(),
	)
	return root
}

// setupLogging configures the standard logrus logger and returns it. When
// file is set, entries go to stderr and to a rotating log file.
func setupLogging(debug bool, format, file string) *log.Logger {
	logger := log.StandardLogger()
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	if format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if file != "" {
		logger.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}))
	}
	return logger
}
