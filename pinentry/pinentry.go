// Package pinentry is the PIN oracle: a scoped acquisition of an
// external PIN-entry child process. For the duration of a call a child
// is spawned, its stdin/stdout are connected to the caller, and the
// process is guaranteed to be reaped on every exit path. Grounded on the
// original source's agent/pinentry.rs for the line protocol and on the
// teacher's broker package for the "always reap the child" discipline.
package pinentry

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/allonsy/basalt-go/errs"
)

// Canceled is returned by GetPIN/GeneratePIN when the user cancels the
// prompt (distinct from a hard failure to talk to the helper).
var Canceled = errs.New(errs.PinCanceled, "pin entry canceled")

// Oracle spawns and talks to one pinentry child process per call.
type Oracle struct {
	Binary string
}

func New(binary string) Oracle {
	if binary == "" {
		binary = "pinentry"
	}
	return Oracle{Binary: binary}
}

type session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func (o Oracle) open() (*session, error) {
	cmd := exec.Command(o.Binary)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.IO, "open pinentry stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.IO, "open pinentry stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.IO, "start pinentry", err)
	}
	s := &session{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}

	// The helper's first line is its own greeting (OK or ERR <msg>).
	if _, err := s.readLine(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// close always waits on the child, reaping it regardless of how the
// caller exits.
func (s *session) close() {
	_ = s.stdin.Close()
	_ = s.cmd.Wait()
}

func (s *session) readLine() (string, error) {
	line, err := s.stdout.ReadString('\n')
	if err != nil && line == "" {
		return "", errs.Wrap(errs.IO, "read from pinentry", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// response is one terminal reply line: OK, D <payload>, or ERR <msg>,
// possibly preceded by zero or more "S <status>" informational lines
// that are discarded.
func (s *session) readResponse() (payload string, ok bool, err error) {
	for {
		line, rerr := s.readLine()
		if rerr != nil {
			return "", false, rerr
		}
		switch {
		case line == "OK":
			return "", true, nil
		case strings.HasPrefix(line, "D "):
			return line[2:], true, nil
		case line == "D":
			return "", true, nil
		case strings.HasPrefix(line, "ERR "):
			return line[4:], false, nil
		case line == "ERR":
			return "", false, nil
		case strings.HasPrefix(line, "S "):
			continue
		default:
			return "", false, errs.Formatf("malformed pinentry response %q", line)
		}
	}
}

func (s *session) send(cmd string) (payload string, ok bool, err error) {
	if _, werr := fmt.Fprintf(s.stdin, "%s\n", cmd); werr != nil {
		return "", false, errs.Wrap(errs.IO, "write to pinentry", werr)
	}
	return s.readResponse()
}

// GetPIN asks for a PIN with a single confirmation, for label (shown in
// the helper's description). Returns Canceled if the user cancels.
func (o Oracle) GetPIN(label string) (string, error) {
	s, err := o.open()
	if err != nil {
		return "", err
	}
	defer s.close()

	if _, ok, err := s.send("SETDESC Please enter PIN for " + label); err != nil {
		return "", err
	} else if !ok {
		return "", Canceled
	}

	pin, ok, err := s.send("GETPIN")
	if err != nil {
		return "", err
	}
	_, _, _ = s.send("BYE")
	if !ok {
		return "", Canceled
	}
	return pin, nil
}

// GeneratePIN asks for a new PIN with a required matching repeat. An
// empty PIN is a valid result and means "store this key unencrypted".
func (o Oracle) GeneratePIN(label string) (string, error) {
	s, err := o.open()
	if err != nil {
		return "", err
	}
	defer s.close()

	if _, ok, err := s.send("SETDESC Please choose a PIN for " + label); err != nil {
		return "", err
	} else if !ok {
		return "", Canceled
	}
	if _, ok, err := s.send("SETREPEAT Please confirm the PIN"); err != nil {
		return "", err
	} else if !ok {
		return "", Canceled
	}

	pin, ok, err := s.send("GETPIN")
	if err != nil {
		return "", err
	}
	_, _, _ = s.send("BYE")
	if !ok {
		return "", Canceled
	}
	return pin, nil
}
