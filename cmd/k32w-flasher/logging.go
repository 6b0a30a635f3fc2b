package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

var (
	verbose   bool
	logFile   string
	logFormat string
	logLevel  string
)

// Convert the string passed to the `--log-level` option to the corresponding
// logrus formal level.
func toLogLevel(s string) (t logrus.Level, found bool) {
	t, found = map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"fatal": logrus.FatalLevel,
		"panic": logrus.PanicLevel,
	}[s]

	return
}

func setupLogging() error {
	if verbose {
		// if we print on stdout, do it in full colors
		logrus.SetOutput(colorable.NewColorableStdout())
		logrus.SetFormatter(&logrus.TextFormatter{
			ForceColors: true,
		})
	} else {
		logrus.SetOutput(io.Discard)
	}

	logFormat = strings.ToLower(logFormat)
	if logFormat != "text" && logFormat != "json" {
		return fmt.Errorf("invalid log format: %s", logFormat)
	}
	if logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("unable to open file for logging: %w", err)
		}

		// Use a hook so we don't get color codes in the log file
		if logFormat == "json" {
			logrus.AddHook(lfshook.NewHook(file, &logrus.JSONFormatter{}))
		} else {
			logrus.AddHook(lfshook.NewHook(file, &logrus.TextFormatter{}))
		}
	}

	lvl, found := toLogLevel(logLevel)
	if !found {
		return fmt.Errorf("invalid log level: %s", logLevel)
	}
	logrus.SetLevel(lvl)

	return nil
}
