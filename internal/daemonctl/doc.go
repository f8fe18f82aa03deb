// Package daemonctl starts, stops and inspects the tonearm daemon on behalf
// of the CLI.
package daemonctl
