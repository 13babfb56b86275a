// Package procexec implements the process-exec helper of spec §4.H: a
// synchronous "run this shell command and report how it ended" operation,
// intended for invocation between event-loop turns rather than from within
// a splice handler.
//
// Grounded on the teacher's syscall-level fd discipline (capture errno,
// classify, wrap) applied here to process exit status instead of I/O
// errno; os/exec is the natural fit for fork+exec itself since no example
// repo in the pack carries its own process-spawning library, and Go's
// default close-on-exec behavior for inherited fds already gives the
// "close all descriptors >= 3" requirement for free (see DESIGN.md).
package procexec

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Disposition is the outcome of a completed exec, spec §4.H's three
// variants.
type Disposition struct {
	// Kind discriminates which of the three fields below is meaningful.
	Kind DispositionKind
	// Code is the exit code, valid when Kind == Exited.
	Code int
	// Signal is the symbolic signal name (e.g. "KILL"), valid when
	// Kind == Signalled.
	Signal string
}

// DispositionKind discriminates a Disposition.
type DispositionKind uint8

const (
	Exited DispositionKind = iota
	Signalled
	Unknown
)

func (d Disposition) String() string {
	switch d.Kind {
	case Exited:
		return fmt.Sprintf("exit %d", d.Code)
	case Signalled:
		return fmt.Sprintf("signal %s", d.Signal)
	default:
		return "unknown"
	}
}

// Exec runs shellCommand via "/bin/sh -c <shellCommand>", blocking until it
// completes. Stdin is the null device; stdout/stderr are inherited from
// the caller. Retries the wait on EINTR (spec §4.H).
func Exec(shellCommand string) (Disposition, error) {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return Disposition{}, fmt.Errorf("procexec: open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command("/bin/sh", "-c", shellCommand)
	cmd.Stdin = devnull
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err = cmd.Start()
	if err != nil {
		return Disposition{}, fmt.Errorf("procexec: start: %w", err)
	}

	for {
		err = cmd.Wait()
		if err == nil {
			break
		}
		if pe, ok := err.(*os.SyscallError); ok && pe.Err == syscall.EINTR {
			continue
		}
		if _, ok := err.(*exec.ExitError); ok {
			break // non-zero exit or signal death; status decoded below
		}
		return Disposition{}, fmt.Errorf("procexec: wait: %w", err)
	}

	return decodeStatus(cmd.ProcessState)
}

func decodeStatus(state *os.ProcessState) (Disposition, error) {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return Disposition{Kind: Unknown}, nil
	}

	switch {
	case ws.Exited():
		return Disposition{Kind: Exited, Code: ws.ExitStatus()}, nil
	case ws.Signaled():
		name := strings.TrimPrefix(unix.SignalName(ws.Signal()), "SIG")
		if name == "" {
			name = fmt.Sprintf("%d", int(ws.Signal()))
		}
		return Disposition{Kind: Signalled, Signal: name}, nil
	default:
		return Disposition{Kind: Unknown}, nil
	}
}
