package sshcmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	defaultPort    = 22
	defaultTimeout = 30 * time.Second

	// maxOutputSize caps captured command output. Shutdown commands are
	// expected to print little or nothing.
	maxOutputSize = 64 * 1024
)

// Target identifies the remote endpoint and credential for a command.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// Addr returns the host:port dial address for the target.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// limitedBuffer wraps bytes.Buffer with a size limit so a chatty remote
// command cannot exhaust memory
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (lb *limitedBuffer) Write(p []byte) (n int, err error) {
	if lb.Len()+len(p) > lb.limit {
		remaining := lb.limit - lb.Len()
		if remaining > 0 {
			return lb.Buffer.Write(p[:remaining])
		}
		return len(p), nil
	}
	return lb.Buffer.Write(p)
}

// Runner executes commands on remote hosts over SSH with password
// authentication. Host keys are not verified; the managed hosts live on
// the operator's own network.
type Runner struct{}

// NewRunner creates an SSH command runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes command on the target and returns the exit code along with
// the combined output. A non-zero exit code is not an error; err is set
// only when the command could not be run at all.
func (r *Runner) Run(ctx context.Context, target Target, command string) (int, string, error) {
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cfg := &ssh.ClientConfig{
		User: target.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", target.Addr(), cfg)
	if err != nil {
		return -1, "", fmt.Errorf("ssh dial %s: %w", target.Addr(), err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, "", fmt.Errorf("ssh session on %s: %w", target.Addr(), err)
	}
	defer session.Close()

	output := &limitedBuffer{limit: maxOutputSize}
	session.Stdout = output
	session.Stderr = output

	// Session.Run has no context support; watch the context ourselves and
	// tear down the connection to unblock it.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-runCtx.Done():
		client.Close()
		<-done
		return -1, output.String(), fmt.Errorf("ssh command on %s: %w", target.Addr(), runCtx.Err())
	}

	if err == nil {
		return 0, output.String(), nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), output.String(), nil
	}
	return -1, output.String(), fmt.Errorf("ssh command on %s: %w", target.Addr(), err)
}
