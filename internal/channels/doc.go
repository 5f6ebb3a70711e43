// Package channels holds the delivery capabilities registered with the
// dispatcher: simulated EMAIL, SMS and PUSH, and a Telegram bot channel.
package channels
