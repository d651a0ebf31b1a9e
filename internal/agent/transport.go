package agent

import "io"

// Transport is a bidirectional byte stream between driver and agent; both
// the in-process pipe and the SSH session implement it identically so
// Client and Server never know which one they're talking over.
type Transport interface {
	io.ReadWriteCloser
}

type pipeHalf struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipeHalf) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LocalPair returns two connected Transports wired by in-process pipes, for
// driving an agent inside the same process (single-node backups, and
// tests) without a real network hop.
func LocalPair() (Transport, Transport) {
	r1, w1 := io.Pipe() // driver -> agent
	r2, w2 := io.Pipe() // agent -> driver

	driverSide := &pipeHalf{Reader: r2, Writer: w1, closers: []io.Closer{w1, r2}}
	agentSide := &pipeHalf{Reader: r1, Writer: w2, closers: []io.Closer{w2, r1}}
	return driverSide, agentSide
}
