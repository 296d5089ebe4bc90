package scheduler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telekom/mail-e2e-exporter/pkg/config"
	"github.com/telekom/mail-e2e-exporter/pkg/mail"
	"github.com/telekom/mail-e2e-exporter/pkg/mailbox"
	"github.com/telekom/mail-e2e-exporter/pkg/metrics"
)

type stubSender struct {
	mu     sync.Mutex
	probes []mail.Probe
	result mail.Result
}

func (s *stubSender) Send(_ context.Context, p mail.Probe) mail.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, p)
	return s.result
}

type stubPoller struct {
	mu     sync.Mutex
	calls  []mailbox.Options
	tokens []string
	result mailbox.Result
	err    error
}

func (s *stubPoller) WaitForToken(_ context.Context, _ string, _ config.IMAPAccount, token string, opts mailbox.Options) (mailbox.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	s.tokens = append(s.tokens, token)
	return s.result, s.err
}

func testConfig(routes ...config.Route) *config.Config {
	cfg := &config.Config{
		Accounts: map[string]config.Account{
			"a": {
				SMTP: config.SMTPAccount{Host: "smtp.test", Username: "a@test", Password: "pw"},
				IMAP: config.IMAPAccount{Host: "imap.test", Username: "a@test", Password: "pw"},
			},
			"b": {
				SMTP: config.SMTPAccount{Host: "smtp.test", Username: "b@test", Password: "pw"},
				IMAP: config.IMAPAccount{Host: "imap.test", Username: "b@test", Password: "pw"},
			},
		},
		Tests: routes,
	}
	cfg.Defaults()
	return cfg
}

func testRunner(t *testing.T, sender Sender, poller MailboxPoller) (*Runner, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("mail_")
	r := New(zap.NewNop().Sugar(), nil, m, sender, poller)
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r, m
}

func TestCycleDeliveredProbe(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeOK, Attempts: 1}}
	poller := &stubPoller{result: mailbox.Result{Found: true, Folder: "INBOX", Count: 1}}
	r, m := testRunner(t, sender, poller)

	r.RunCycle(context.Background(), testConfig(config.Route{Name: "r1", From: "a", To: "b"}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReceiveAttempted.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReceiveSuccess.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReceiveSkipped.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TestInfo.WithLabelValues("r1", "a", "b")))

	require.Len(t, poller.calls, 1)
	assert.Equal(t, 120*time.Second, poller.calls[0].Timeout)
	assert.Equal(t, 5*time.Second, poller.calls[0].PollInterval)
	assert.True(t, poller.calls[0].DeleteAfterFind)
}

func TestCycleFailedSendSkipsReceive(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeFailed, Attempts: 3, Err: errors.New("550 no")}}
	poller := &stubPoller{}
	r, m := testRunner(t, sender, poller)

	r.RunCycle(context.Background(), testConfig(config.Route{Name: "r1", From: "a", To: "b"}))

	assert.Empty(t, poller.calls, "failed send must not poll the mailbox")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReceiveSkipped.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReceiveAttempted.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("r1", "a", "b", "send")))
	assert.NotZero(t, testutil.ToFloat64(m.LastError.WithLabelValues("r1", "a", "b")))
}

func TestCycleUncertainSendRunsShortProbe(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeUncertain, Attempts: 3, Err: errors.New("timeout after DATA")}}
	poller := &stubPoller{result: mailbox.Result{Found: true, Folder: "INBOX", Count: 1}}
	r, m := testRunner(t, sender, poller)

	r.RunCycle(context.Background(), testConfig(config.Route{Name: "r1", From: "a", To: "b"}))

	require.Len(t, poller.calls, 1)
	assert.Equal(t, 12*time.Second, poller.calls[0].Timeout, "probe uses the short uncertain timeout")
	assert.Equal(t, 4*time.Second, poller.calls[0].PollInterval)

	// delivery confirmed, but the send-side gauges are the sender's alone:
	// the scheduler must not rewrite them
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReceiveSuccess.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SendSuccess.WithLabelValues("r1", "a", "b")))
	// the uncertain send itself still counts as an error
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("r1", "a", "b", "send")))
}

func TestCycleUncertainProbeDisabled(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeUncertain, Err: errors.New("timeout")}}
	poller := &stubPoller{}
	r, m := testRunner(t, sender, poller)

	cfg := testConfig(config.Route{Name: "r1", From: "a", To: "b"})
	off := false
	cfg.Exporter.UncertainProbeOnTimeout = &off

	r.RunCycle(context.Background(), cfg)

	assert.Empty(t, poller.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReceiveSkipped.WithLabelValues("r1", "a", "b")))
}

func TestCycleReceiveTimeoutCountsReceiveError(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeOK}}
	poller := &stubPoller{result: mailbox.Result{Found: false}}
	r, m := testRunner(t, sender, poller)

	r.RunCycle(context.Background(), testConfig(config.Route{Name: "r1", From: "a", To: "b"}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ReceiveAttempted.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReceiveSuccess.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("r1", "a", "b", "receive")))
}

func TestCycleUnknownAccountIsConfigError(t *testing.T) {
	sender := &stubSender{}
	r, m := testRunner(t, sender, &stubPoller{})

	r.RunCycle(context.Background(), testConfig(config.Route{Name: "r1", From: "a", To: "ghost"}))

	assert.Empty(t, sender.probes, "no send for a route with an unknown account")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Errors.WithLabelValues("r1", "a", "ghost", "config")))
}

func TestCycleZeroRoutes(t *testing.T) {
	sender := &stubSender{}
	r, m := testRunner(t, sender, &stubPoller{})

	cfg := &config.Config{}
	cfg.Defaults()
	r.RunCycle(context.Background(), cfg)

	assert.Empty(t, sender.probes)
	assert.Equal(t, float64(300), testutil.ToFloat64(m.ConfigCheckInterval))
	assert.Equal(t, float64(120), testutil.ToFloat64(m.ConfigReceiveTimeout))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConfigDelete))
}

func TestCycleResetsPreviousCycleGauges(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeFailed, Err: errors.New("boom")}}
	r, m := testRunner(t, sender, &stubPoller{})

	// pretend the previous cycle succeeded
	m.ReceiveSuccess.WithLabelValues("r1", "a", "b").Set(1)
	m.Roundtrip.WithLabelValues("r1", "a", "b").Set(2.2)

	r.RunCycle(context.Background(), testConfig(config.Route{Name: "r1", From: "a", To: "b"}))

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ReceiveSuccess.WithLabelValues("r1", "a", "b")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Roundtrip.WithLabelValues("r1", "a", "b")))
}

func TestCycleSubjectAndBodyCarryToken(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeOK}}
	poller := &stubPoller{result: mailbox.Result{Found: true, Folder: "INBOX"}}
	r, _ := testRunner(t, sender, poller)

	r.RunCycle(context.Background(), testConfig(config.Route{Name: "r1", From: "a", To: "b"}))

	require.Len(t, sender.probes, 1)
	p := sender.probes[0]

	re := regexp.MustCompile(`^\[MAIL-E2E\] r1 (E2E-[0-9a-f]{12})$`)
	match := re.FindStringSubmatch(p.Subject)
	require.NotNil(t, match, "subject %q", p.Subject)
	assert.Contains(t, p.Body, match[1], "body carries the token for the body-search fallback")

	require.Len(t, poller.tokens, 1)
	assert.Equal(t, match[1], poller.tokens[0], "mailbox search uses the token from the subject")
}

func TestCycleUnnamedRouteUsesFromToName(t *testing.T) {
	sender := &stubSender{result: mail.Result{Outcome: mail.OutcomeFailed, Err: errors.New("x")}}
	r, m := testRunner(t, sender, &stubPoller{})

	r.RunCycle(context.Background(), testConfig(config.Route{From: "a", To: "b"}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TestInfo.WithLabelValues("a->b", "a", "b")))
}

func TestCycleRoutesRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	inflight, peak := 0, 0

	sender := senderFunc(func(context.Context, mail.Probe) mail.Result {
		mu.Lock()
		inflight++
		if inflight > peak {
			peak = inflight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inflight--
		mu.Unlock()
		return mail.Result{Outcome: mail.OutcomeFailed, Err: errors.New("x")}
	})
	r, _ := testRunner(t, sender, &stubPoller{})

	routes := []config.Route{
		{Name: "r1", From: "a", To: "b"},
		{Name: "r2", From: "b", To: "a"},
		{Name: "r3", From: "a", To: "b"},
	}

	done := make(chan struct{})
	go func() {
		r.RunCycle(context.Background(), testConfig(routes...))
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak == len(routes)
	}, 2*time.Second, 5*time.Millisecond, "all route tasks run in parallel")
	close(release)
	<-done
}

type senderFunc func(ctx context.Context, p mail.Probe) mail.Result

func (f senderFunc) Send(ctx context.Context, p mail.Probe) mail.Result { return f(ctx, p) }

func TestCyclePanickingRouteDoesNotAbortOthers(t *testing.T) {
	var sent int32
	sender := senderFunc(func(_ context.Context, p mail.Probe) mail.Result {
		if p.Route == "r1" {
			panic("boom")
		}
		sent++
		return mail.Result{Outcome: mail.OutcomeFailed, Err: errors.New("x")}
	})
	r, _ := testRunner(t, sender, &stubPoller{})

	require.NotPanics(t, func() {
		r.RunCycle(context.Background(), testConfig(
			config.Route{Name: "r1", From: "a", To: "b"},
		))
		r.RunCycle(context.Background(), testConfig(
			config.Route{Name: "r2", From: "b", To: "a"},
		))
	})
	assert.EqualValues(t, 1, sent)
}

func TestTokenUniquenessAndShape(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{12}$`)
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		tok := newToken()
		require.Regexp(t, re, tok)
		_, dup := seen[tok]
		require.False(t, dup, "token %s repeated", tok)
		seen[tok] = struct{}{}
	}
}

func TestErrorFingerprintStableAndBounded(t *testing.T) {
	err := fmt.Errorf("dial tcp: connection refused")
	a := errorFingerprint("r1", "a", "b", "send", err)
	b := errorFingerprint("r1", "a", "b", "send", err)
	assert.Equal(t, a, b)
	assert.Less(t, a, float64(1_000_000))
	assert.NotEqual(t, a, errorFingerprint("r1", "a", "b", "receive", err))
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	store, err := config.NewStore(dir+"/missing.yaml", zap.NewNop().Sugar())
	require.NoError(t, err)

	m := metrics.New("mail_")
	r := New(zap.NewNop().Sugar(), store, m, &stubSender{}, &stubPoller{})

	cycles := 0
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cycles++
		if cycles >= 2 {
			return context.Canceled
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after sleep reported cancellation")
	}
	assert.Equal(t, 2, cycles)
}
