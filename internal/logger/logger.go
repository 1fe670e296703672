// Package logger prefixes gaugewatch log output and honors a quiet switch.
package logger

import "log"

// Quiet suppresses Info output when true. Error is always printed.
var Quiet bool

const prefix = "gaugewatch: "

func Info(format string, args ...any) {
	if Quiet {
		return
	}
	log.Printf(prefix+format, args...)
}

func Error(format string, args ...any) {
	log.Printf(prefix+format, args...)
}
