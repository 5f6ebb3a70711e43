// Package dispatch owns the channel capability registry and the dispatcher
// that invokes a capability for a single notification.
package dispatch
