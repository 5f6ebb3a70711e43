// Package engine wires the notification store, dispatcher, manager and
// background processor into one facade with the default lead time, interval
// and retention age.
package engine
