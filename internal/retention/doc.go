// Package retention schedules the periodic purge of old notifications and
// delivery journal records.
package retention
