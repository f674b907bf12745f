package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtphase/pkg/util"
)

// DefaultSSHPort is used when SSHTransport.Port is zero.
const DefaultSSHPort = 22

// SSHTransport reaches IOS-style devices over SSH. Show commands run in a
// fresh exec session each; configuration is pushed through an interactive
// shell, one line at a time, and saved with "write memory". It is not
// transactional.
type SSHTransport struct {
	User     string
	Password string
	Port     int
	// Timeout bounds dialing and each wait for a prompt.
	Timeout time.Duration

	addrs map[string]string
}

// NewSSHTransport creates a transport that resolves device names through
// addrs (device -> management address).
func NewSSHTransport(addrs map[string]string, user, password string) *SSHTransport {
	return &SSHTransport{
		User:     user,
		Password: password,
		Port:     DefaultSSHPort,
		Timeout:  30 * time.Second,
		addrs:    addrs,
	}
}

// Capabilities implements Controller.
func (t *SSHTransport) Capabilities(string) Capabilities { return Capabilities{} }

// OpenControl implements Controller.
func (t *SSHTransport) OpenControl(ctx context.Context, device string) (ControlSession, error) {
	return t.open(ctx, device)
}

// OpenQuery implements Querier.
func (t *SSHTransport) OpenQuery(ctx context.Context, device string) (QuerySession, error) {
	return t.open(ctx, device)
}

func (t *SSHTransport) open(ctx context.Context, device string) (*sshSession, error) {
	host, ok := t.addrs[device]
	if !ok || host == "" {
		return nil, util.NewUnreachableError(device, "dial", fmt.Errorf("no management address"))
	}
	port := t.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	config := &ssh.ClientConfig{
		User: t.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(t.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = t.Password
				}
				return answers, nil
			}),
		},
		// Lab devices regenerate host keys on every rebuild.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.Timeout,
	}

	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, util.NewUnreachableError(device, "dial "+addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, util.NewUnreachableError(device, "ssh handshake", err)
	}
	util.WithDevice(device).Debugf("ssh session open to %s", addr)
	return &sshSession{device: device, client: ssh.NewClient(c, chans, reqs), timeout: t.Timeout}, nil
}

type sshSession struct {
	device  string
	client  *ssh.Client
	timeout time.Duration
}

// exec runs one command in its own session and returns the combined output.
func (s *sshSession) exec(ctx context.Context, cmd string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out, err}
	}()
	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return string(r.out), fmt.Errorf("ssh exec %q: %w", cmd, r.err)
		}
		return string(r.out), nil
	}
}

func (s *sshSession) RunningConfig(ctx context.Context) (string, error) {
	out, err := s.exec(ctx, "show running-config")
	if err != nil {
		return "", util.NewQueryError(s.device, "show running-config", err)
	}
	return out, nil
}

func (s *sshSession) Facts(ctx context.Context, key FactKey) (*Facts, error) {
	cmd, err := Command(key)
	if err != nil {
		return nil, err
	}
	out, err := s.exec(ctx, cmd)
	if err != nil {
		return nil, util.NewQueryError(s.device, cmd, err)
	}
	f, err := Parse(key, out)
	if err != nil {
		return nil, util.NewQueryError(s.device, cmd, err)
	}
	return f, nil
}

// Commit enters configuration mode and sends lines one at a time, stopping
// at the first line the CLI rejects. Accepted configuration is saved.
func (s *sshSession) Commit(ctx context.Context, lines []string) (Commit, error) {
	sh, err := s.shell()
	if err != nil {
		return Commit{}, util.NewUnreachableError(s.device, "shell", err)
	}
	defer sh.close()

	for _, cmd := range []string{"", "terminal length 0", "configure terminal"} {
		if cmd != "" {
			if err := sh.send(cmd); err != nil {
				return Commit{}, util.NewUnreachableError(s.device, cmd, err)
			}
		}
		if _, err := sh.expect(ctx, s.timeout); err != nil {
			return Commit{}, util.NewUnreachableError(s.device, "prompt", err)
		}
	}

	c := Commit{}
	for i, line := range lines {
		if err := sh.send(line); err != nil {
			return c, util.NewUnreachableError(s.device, "send", err)
		}
		out, err := sh.expect(ctx, s.timeout)
		if err != nil {
			return c, util.NewUnreachableError(s.device, "send", err)
		}
		if reason, rejected := Rejection(out); rejected {
			c.Rejected = i + 1
			c.Reason = reason
			break
		}
		c.Applied++
	}

	_ = sh.send("end")
	if _, err := sh.expect(ctx, s.timeout); err != nil {
		return c, util.NewUnreachableError(s.device, "end", err)
	}
	if c.Applied > 0 {
		if err := sh.send("write memory"); err == nil {
			if out, err := sh.expect(ctx, s.timeout); err != nil {
				util.WithDevice(s.device).Warnf("write memory: %v", err)
			} else if reason, bad := Rejection(out); bad {
				util.WithDevice(s.device).Warnf("write memory: %s", reason)
			}
		}
	}
	return c, nil
}

func (s *sshSession) Close() error { return s.client.Close() }

// promptRe matches an IOS prompt at the end of the buffered output:
// "core1#", "core1(config)#", "core1(config-router-af)#".
var promptRe = regexp.MustCompile(`[\w.\-]+(\([\w.\-]+\))?[#>]\s*$`)

type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser

	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
	done   chan struct{}
}

func (s *sshSession) shell() (*shell, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	modes := ssh.TerminalModes{ssh.ECHO: 0}
	if err := session.RequestPty("vt100", 0, 511, modes); err != nil {
		session.Close()
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, err
	}
	sh := &shell{session: session, stdin: stdin, notify: make(chan struct{}, 1), done: make(chan struct{})}
	go sh.read(stdout)
	return sh, nil
}

func (sh *shell) read(r io.Reader) {
	defer close(sh.done)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			sh.mu.Lock()
			sh.buf.Write(chunk[:n])
			sh.mu.Unlock()
			select {
			case sh.notify <- struct{}{}:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

func (sh *shell) send(line string) error {
	_, err := io.WriteString(sh.stdin, line+"\n")
	return err
}

// expect waits for a prompt and returns everything read before it.
func (sh *shell) expect(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		sh.mu.Lock()
		if promptRe.Match(sh.buf.Bytes()) {
			out := sh.buf.String()
			sh.buf.Reset()
			sh.mu.Unlock()
			return out, nil
		}
		sh.mu.Unlock()

		select {
		case <-sh.notify:
		case <-sh.done:
			sh.mu.Lock()
			matched := promptRe.Match(sh.buf.Bytes())
			out := sh.buf.String()
			sh.mu.Unlock()
			if matched {
				return out, nil
			}
			return "", io.ErrUnexpectedEOF
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("no prompt after %s", timeout)
		}
	}
}

func (sh *shell) close() {
	sh.stdin.Close()
	sh.session.Close()
}
