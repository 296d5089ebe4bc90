package mailbox

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"github.com/telekom/mail-e2e-exporter/pkg/config"
)

// AuthError marks a rejected IMAP login, as opposed to a connection-level
// failure.
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("IMAP login failed for account %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Options bound one WaitForToken call.
type Options struct {
	PollInterval    time.Duration
	Timeout         time.Duration
	DeleteAfterFind bool
}

// Result reports where a token was found. A zero Result with a nil error
// means the timeout elapsed without a match.
type Result struct {
	Found  bool
	Folder string
	Count  int
}

// session is the slice of an IMAP connection the poll loop needs.
type session interface {
	Login(username, password string) error
	Select(folder string) error
	SearchSubject(token string) ([]imap.UID, error)
	SearchBody(token string) ([]imap.UID, error)
	Delete(uids []imap.UID) error
	Close()
}

// Poller repeatedly searches a mailbox for a probe token until the token
// shows up or the timeout elapses. One authenticated session is held per
// call.
type Poller struct {
	log *zap.SugaredLogger

	// overridable in tests
	dial  func(host string, port int, ssl bool) (session, error)
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPoller(log *zap.SugaredLogger) *Poller {
	return &Poller{
		log:   log.Named("imap"),
		dial:  dialIMAP,
		sleep: sleepCtx,
	}
}

// WaitForToken polls the account's folders for a message carrying token.
// Every folder from FolderOrder is searched at least once before the
// timeout is checked. Folders that fail to select are skipped for that
// pass; a match optionally deletes the message before returning.
func (p *Poller) WaitForToken(ctx context.Context, accountKey string, acc config.IMAPAccount, token string, opts Options) (Result, error) {
	if acc.Username == "" || acc.Password == "" {
		return Result{}, &AuthError{Account: accountKey, Err: fmt.Errorf("IMAP credentials missing")}
	}

	ssl := acc.SSL == nil || *acc.SSL
	sess, err := p.dial(acc.Host, acc.Port, ssl)
	if err != nil {
		return Result{}, fmt.Errorf("dial imap %s: %w", net.JoinHostPort(acc.Host, strconv.Itoa(acc.Port)), err)
	}
	defer sess.Close()

	if err := sess.Login(acc.Username, acc.Password); err != nil {
		return Result{}, &AuthError{Account: accountKey, Err: err}
	}

	folders := FolderOrder(acc)
	deadline := time.Now().Add(opts.Timeout)

	for {
		for _, folder := range folders {
			if err := sess.Select(folder); err != nil {
				p.log.Debugw("folder not selectable, skipping", "account", accountKey, "folder", folder, "error", err)
				continue
			}

			uids, err := sess.SearchSubject(token)
			if err != nil {
				p.log.Warnw("IMAP subject search failed", "account", accountKey, "folder", folder, "error", err)
				continue
			}
			if len(uids) == 0 {
				// some servers index the subject late; the token is also in
				// the body
				uids, err = sess.SearchBody(token)
				if err != nil {
					p.log.Warnw("IMAP body search failed", "account", accountKey, "folder", folder, "error", err)
					continue
				}
			}
			if len(uids) == 0 {
				continue
			}

			if opts.DeleteAfterFind {
				if err := sess.Delete(uids); err != nil {
					p.log.Warnw("failed to delete probe message", "account", accountKey, "folder", folder, "error", err)
				}
			}
			return Result{Found: true, Folder: folder, Count: len(uids)}, nil
		}

		if time.Now().After(deadline) {
			return Result{}, nil
		}
		if err := p.sleep(ctx, opts.PollInterval); err != nil {
			return Result{}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// imapSession adapts imapclient.Client to the session interface.
type imapSession struct {
	client *imapclient.Client
}

func dialIMAP(host string, port int, ssl bool) (session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var c *imapclient.Client
	var err error
	if ssl {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, err
	}
	return &imapSession{client: c}, nil
}

func (s *imapSession) Login(username, password string) error {
	return s.client.Login(username, password).Wait()
}

func (s *imapSession) Select(folder string) error {
	_, err := s.client.Select(folder, nil).Wait()
	return err
}

func (s *imapSession) SearchSubject(token string) ([]imap.UID, error) {
	return s.search(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: token}},
	})
}

func (s *imapSession) SearchBody(token string) ([]imap.UID, error) {
	return s.search(&imap.SearchCriteria{Body: []string{token}})
}

func (s *imapSession) search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (s *imapSession) Delete(uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := s.client.Store(imap.UIDSetNum(uids...), store, nil).Close(); err != nil {
		return err
	}
	return s.client.Expunge().Close()
}

func (s *imapSession) Close() {
	_ = s.client.Logout().Wait()
	_ = s.client.Close()
}
