// Package daemonrun wires configuration, logging, the playback engine and the
// IPC server into one daemon process.
package daemonrun
