// Package manager schedules event reminders and runs delivery passes.
package manager
