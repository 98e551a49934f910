package modem

// Channel is the serial link capability the session consumes. The
// production implementation lives in internal/serialport; tests provide
// scripted fakes.
type Channel interface {
	// Write sends raw bytes down the link.
	Write(p []byte) (int, error)
	// ReadLine returns the next line without its terminator. It blocks
	// for at most the channel's poll window and returns ErrNoData when
	// no complete line arrived in that time, so the reader task can
	// observe shutdown between polls.
	ReadLine() (string, error)
	// Close shuts the link down. Further reads and writes fail.
	Close() error
}

// ChannelOpener opens the serial link on demand. Session.Initialize
// calls it once; keeping the constructor behind a function keeps the
// hardware binding out of the protocol engine.
type ChannelOpener func() (Channel, error)
