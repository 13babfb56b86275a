// Package pty opens pseudo-terminal pairs for use as Connection file
// descriptors in the handle table. It owns only fd creation and mode
// setup; reading, writing, and buffering belong to internal/conn and
// internal/ringbuf once the master fd is registered with the dispatcher.
//
// Adapted from the teacher's internal/ptyio package: same pty.Open +
// term.MakeRaw + non-blocking sequence, stripped of its own goroutines
// and ring buffers since the splice engine now owns that job centrally.
package pty

import (
	"fmt"
	"os"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Pair is an opened PTY master/slave pair ready for non-blocking I/O.
type Pair struct {
	Master *os.File
	Slave  *os.File
}

// TTYName returns the filesystem path of the slave device, e.g. "/dev/pts/5".
func (p *Pair) TTYName() string {
	if p.Slave == nil {
		return ""
	}
	return p.Slave.Name()
}

// Open creates a new PTY pair, puts the slave into raw mode, and marks the
// master non-blocking so it is safe to register with the event dispatcher.
// The slave fd is kept open for the lifetime of the pair (mirrors the
// teacher's design note: symmetric lifecycle, defensive against exotic
// Unix variants where the slave device node requires an open fd).
func Open() (*Pair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty: failed to open pair (check permissions and available pty devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		closeBoth(master, slave)
		return nil, fmt.Errorf("pty: failed to set slave %s to raw mode: %w", slave.Name(), err)
	}

	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		closeBoth(master, slave)
		return nil, fmt.Errorf("pty: failed to set master %s non-blocking: %w", slave.Name(), err)
	}

	return &Pair{Master: master, Slave: slave}, nil
}

// Close releases both the master and slave file descriptors.
func (p *Pair) Close() error {
	var firstErr error
	if p.Master != nil {
		if err := p.Master.Close(); err != nil {
			firstErr = err
		}
		p.Master = nil
	}
	if p.Slave != nil {
		if err := p.Slave.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.Slave = nil
	}
	return firstErr
}

func closeBoth(master, slave *os.File) {
	_ = master.Close()
	_ = slave.Close()
}
