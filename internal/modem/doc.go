// Package modem implements the AT command protocol engine for a GSM modem on a
// half-duplex serial link.
//
// The package is built from two cooperating parts. CommandQueue serializes
// command dispatch so the link never carries more than one outstanding
// request, retrying failed commands with head-of-line priority. Session owns
// the serial channel: it runs a continuous line reader, classifies every
// incoming line against the expected response of the in-flight command, and
// races each dispatch against a deadline. Whichever of response, timeout or
// queue clearing happens first consumes the command's one-shot completion;
// the others observe it already consumed and no-op.
package modem
