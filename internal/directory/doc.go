// Package directory provides the in-memory event and participant views the
// notification manager reads, plus a YAML seed loader for the daemon.
package directory
