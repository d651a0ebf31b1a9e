package agent

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach a remote agent binary over SSH, grounded
// on the teacher's remote.go dial parameters (host/port/user/key), adapted
// to the standard x/crypto/ssh client rather than a shelled-out ssh(1).
type SSHConfig struct {
	Addr       string // host:port
	User       string
	Signer     ssh.Signer
	HostKeyCB  ssh.HostKeyCallback
	AgentPath  string // remote binary path, invoked with "--agent"
}

type sshTransport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (t *sshTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *sshTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }
func (t *sshTransport) Close() error {
	t.stdin.Close()
	t.session.Close()
	return t.client.Close()
}

// DialSSH opens an SSH connection and starts the remote agent process,
// returning a Transport wired to its stdin/stdout, per §4.I's "the driver
// starts the agent with ssh host agent_binary --agent and exchanges frames
// over its stdio pipes".
func DialSSH(cfg SSHConfig) (Transport, error) {
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(cfg.Signer)},
		HostKeyCallback: cfg.HostKeyCB,
	}
	client, err := ssh.Dial("tcp", cfg.Addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("agent: ssh dial %s: %w", cfg.Addr, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("agent: ssh new session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	if err := session.Start(cfg.AgentPath + " --agent"); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("agent: starting remote agent: %w", err)
	}
	return &sshTransport{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}
