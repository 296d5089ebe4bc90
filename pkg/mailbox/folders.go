package mailbox

import (
	"strings"

	"github.com/telekom/mail-e2e-exporter/pkg/config"
)

// gmailFolders are checked after the configured folders when the account
// lives on a Gmail host. Messages routed to spam or archived past the inbox
// would otherwise never be found. Localized names differ per account
// language; the common German variant is included, the rest is best-effort
// without listing all mailboxes.
var gmailFolders = []string{
	"[Gmail]/All Mail",
	"[Gmail]/Spam",
	"[Google Mail]/All Mail",
	"[Google Mail]/Spam",
	"[Gmail]/Alle Nachrichten",
	"[Google Mail]/Alle Nachrichten",
}

func isGmailHost(host string) bool {
	host = strings.ToLower(host)
	return strings.Contains(host, "gmail.com") || strings.HasSuffix(host, "googlemail.com")
}

// FolderOrder returns the folders to search, in order: the account's primary
// folder, its configured extra folders, then provider fallbacks. The result
// is deduplicated and deterministic: the same configuration always yields
// the same list.
func FolderOrder(acc config.IMAPAccount) []string {
	folders := make([]string, 0, 2+len(acc.ExtraFolders))

	primary := acc.Folder
	if primary == "" {
		primary = "INBOX"
	}
	folders = append(folders, primary)
	folders = append(folders, acc.ExtraFolders...)
	if isGmailHost(acc.Host) {
		folders = append(folders, gmailFolders...)
	}

	seen := make(map[string]struct{}, len(folders))
	out := folders[:0]
	for _, f := range folders {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
