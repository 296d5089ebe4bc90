// Package mailbox polls a destination account's mailbox for a probe token.
// One authenticated IMAP session is held for the duration of a poll; folders
// are walked in a deterministic order with provider-specific fallbacks for
// well-known webmail hosts.
package mailbox
