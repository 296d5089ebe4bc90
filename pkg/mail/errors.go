package mail

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"syscall"
)

// CredentialError marks a route whose source account is missing a username
// or password, or whose destination yields no deliverable address. It is
// terminal: no network attempt is made and nothing is retried.
type CredentialError struct {
	Account string
	Reason  string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("account %q: %s", e.Account, e.Reason)
}

// errAttemptTimeout is returned by the per-phase watchdog when a dial or
// message transaction exceeds the configured SMTP timeout.
var errAttemptTimeout = errors.New("smtp operation timed out")

type sendPhase int

const (
	// phaseDial covers connect, TLS and authentication. Nothing has been
	// submitted yet, so errors here are never ambiguous.
	phaseDial sendPhase = iota
	// phaseTransaction covers MAIL FROM through DATA. A timeout or abrupt
	// disconnect here may have happened after the server accepted the
	// message.
	phaseTransaction
)

type errClass int

const (
	classTransient errClass = iota
	classAmbiguous
	classPermanent
)

// classify maps an attempt error to its retry class. Server replies carry a
// textproto code: 4xx is temporary, everything else permanent. Network-level
// timeouts and disconnects depend on the phase they occurred in.
func classify(err error, phase sendPhase) errClass {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		if reply.Code >= 400 && reply.Code < 500 {
			return classTransient
		}
		return classPermanent
	}

	if isNetworkInterruption(err) {
		if phase == phaseTransaction {
			return classAmbiguous
		}
		return classTransient
	}

	return classPermanent
}

func isNetworkInterruption(err error) bool {
	if errors.Is(err, errAttemptTimeout) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// replyCode returns the SMTP reply code carried by err, or 0.
func replyCode(err error) int {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return reply.Code
	}
	return 0
}
