// Package mail sends the probe messages. A send terminates in one of three
// outcomes: ok, failed, or uncertain — the latter when the connection died
// after the message transaction had begun, so the server may already have
// accepted the message. The distinction drives the secondary mailbox probe
// in the scheduler and must not be collapsed into a plain failure.
package mail
