// Package cmd implements the command-line interface of the dTSO transactional
// object store. Every command opens the store configured by the persistent
// flags (or DTSO_* environment variables, also read from .env and .env.local).
//
// The package is organized into several subpackages:
//
//   - obj: Transactional object operations (create, lookup, get, set, incr, del)
//   - bench: Contention benchmark running many concurrent transactions
//   - serve: Runs a replica of the raft backed store
//   - lock: Inspects object headers and releases record locks of crashed processes
//   - raw: Access to the key-value store underneath the objects
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dtso -help for a list of all commands.
package cmd
