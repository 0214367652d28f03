package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Debug   bool
	Verbose bool
	Quiet   bool
	Output  io.Writer
}

// Configure sets level and output of logger and of logrus' standard logger,
// which components fall back to when they are given no entry. Debug wins
// over quiet; without verbose or debug nothing is logged so stdout and
// stderr only carry findings.
func Configure(logger *logrus.Logger, opts Options) {
	level, out := settings(opts)
	for _, l := range []*logrus.Logger{logger, logrus.StandardLogger()} {
		if l == nil {
			continue
		}
		l.SetLevel(level)
		l.SetOutput(out)
	}
}

func settings(opts Options) (logrus.Level, io.Writer) {
	target := opts.Output
	if target == nil {
		target = os.Stderr
	}
	switch {
	case opts.Debug:
		return logrus.DebugLevel, target
	case opts.Quiet:
		return logrus.InfoLevel, io.Discard
	case opts.Verbose:
		return logrus.InfoLevel, target
	}
	return logrus.InfoLevel, io.Discard
}
