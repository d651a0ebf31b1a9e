//go:build unix

package agent

import "syscall"

func syscallSig0() syscall.Signal { return syscall.Signal(0) }
