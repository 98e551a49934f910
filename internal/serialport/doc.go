// Package serialport binds the modem.Channel capability to a real
// serial device using go.bug.st/serial.
package serialport
