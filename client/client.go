// Package client is the agent connector used by the CLI: locate or spawn
// the agent, send exactly one request batch per connection, and parse
// its response batch. Grounded on spec.md §4.9/§4.10 and Design Notes §9
// ("fork then setsid only after binding the socket"); Go has no fork(2),
// so daemonization here is the standard Go idiom of re-executing the
// current binary with a detached SysProcAttr (Setsid: true) and
// redirected std streams, which is the closest equivalent available
// without cgo.
package client

import (
	"bufio"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/protocol"
)

const (
	dialRetries = 10
	dialBackoff = 50 * time.Millisecond
)

// Connector knows how to reach (or start) the agent.
type Connector struct {
	SocketPath string
	AgentExe   string // path to re-exec as the daemonized agent
}

func New(socketPath, agentExe string) Connector {
	return Connector{SocketPath: socketPath, AgentExe: agentExe}
}

// Send connects (spawning the agent if necessary), sends reqs as one
// batch, and returns the matching response batch.
func (c Connector) Send(reqs []protocol.Request) ([]protocol.Response, error) {
	conn, err := c.connectOrSpawn()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := protocol.WriteRequestFrame(conn, reqs); err != nil {
		return nil, err
	}
	resps, err := protocol.ReadResponseFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return resps, nil
}

func (c Connector) connectOrSpawn() (net.Conn, error) {
	conn, err := net.Dial("unix", c.SocketPath)
	if err == nil {
		return conn, nil
	}
	if !isConnRefusedOrMissing(err) {
		return nil, errs.Wrap(errs.IO, "connect to agent", err)
	}

	if err := c.spawn(); err != nil {
		return nil, err
	}

	var lastErr error
	for i := 0; i < dialRetries; i++ {
		time.Sleep(dialBackoff)
		conn, lastErr = net.Dial("unix", c.SocketPath)
		if lastErr == nil {
			return conn, nil
		}
	}
	return nil, errs.Wrap(errs.IO, "agent did not become reachable", lastErr)
}

func isConnRefusedOrMissing(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	var errno syscall.Errno
	return asErrno(err, &errno) && errno == syscall.ECONNREFUSED
}

func asErrno(err error, target *syscall.Errno) bool {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			*target = errno
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// spawn daemonizes the agent: it re-executes AgentExe in "agent serve"
// mode with a detached session (Setsid) and no inherited std streams, so
// the parent CLI process can exit without taking the agent down with it.
func (c Connector) spawn() error {
	cmd := exec.Command(c.AgentExe, "agent", "serve")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.IO, "spawn agent", err)
	}
	return cmd.Process.Release()
}
