// Package logging assembles the structured slog loggers used by the daemon
// and the CLI.
//
// It owns the console and JSON handlers, the session and fan-out wrappers used
// by diagnostic mode, the in-memory stream behind `tonearm logs`, and log
// retention. The audio goroutine never logs; everything here runs on control
// paths.
package logging
