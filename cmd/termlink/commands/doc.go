// Package commands implements the termlink client CLI: pairing with hosts,
// managing paired devices, and attaching to terminal sessions.
package commands
