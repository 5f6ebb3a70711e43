// Package processor runs the periodic delivery pass in the background.
//
// States: STOPPED -> RUNNING (Start) -> STOPPING (Stop) -> STOPPED.
package processor
