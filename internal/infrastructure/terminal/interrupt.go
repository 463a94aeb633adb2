// Package terminal provides the stdin interrupt detector.
package terminal

import (
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"
)

const escByte = 0x1b

// InterruptDetector polls stdin for an ESC keypress without blocking. The
// terminal is switched to raw no-echo mode only for the duration of one
// zero-timeout read, so a poll is invisible when no key is pending.
type InterruptDetector struct {
	fd     int
	isTTY  bool
	logger *zap.Logger
}

func NewInterruptDetector(logger *zap.Logger) *InterruptDetector {
	fd := int(os.Stdin.Fd())
	return &InterruptDetector{
		fd:     fd,
		isTTY:  term.IsTerminal(fd),
		logger: logger.With(zap.String("component", "interrupt")),
	}
}

// Poll reports whether the user pressed ESC since the last poll. Non-TTY
// stdin (pipes, CI) never interrupts.
func (d *InterruptDetector) Poll() bool {
	if !d.isTTY {
		return false
	}

	prev, err := term.MakeRaw(d.fd)
	if err != nil {
		return false
	}
	defer func() {
		if err := term.Restore(d.fd, prev); err != nil {
			d.logger.Warn("Restore terminal mode failed", zap.Error(err))
		}
	}()

	if err := syscall.SetNonblock(d.fd, true); err != nil {
		return false
	}
	defer syscall.SetNonblock(d.fd, false)

	buf := make([]byte, 1)
	n, err := syscall.Read(d.fd, buf)
	if err != nil || n == 0 {
		return false
	}
	if buf[0] == escByte {
		d.logger.Debug("Interrupt key detected")
		return true
	}
	// Any other pending byte is discarded; only ESC interrupts.
	return false
}
