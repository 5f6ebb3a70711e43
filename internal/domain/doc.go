// Package domain defines the notification record, its delivery states, the
// read-only event/participant views and the error taxonomy shared by the
// engine.
package domain
