// Package config loads, normalizes, and validates tonearm configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours MPD_HOST, MPD_PASSWORD and
// TONEARM_FIFO environment fallbacks. Lock, socket and status database
// locations default into the runtime directory so every instance on the host
// agrees on them.
//
// Listener settings (EQ bands, presets, balance) are not configuration; they
// live in the state file owned by the state package.
package config
