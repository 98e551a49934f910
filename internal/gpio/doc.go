// Package gpio defines the edge-detection capability the trigger
// pipeline consumes and binds it to Raspberry Pi hardware via periph.io.
package gpio
