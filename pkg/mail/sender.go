package mail

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/telekom/mail-e2e-exporter/pkg/config"
	"github.com/telekom/mail-e2e-exporter/pkg/metrics"
)

// Outcome is the terminal classification of one probe send.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeUncertain means the attempt budget was exhausted on timeouts or
	// disconnects inside the message transaction: the server may have
	// accepted the message even though no 250 reply arrived.
	OutcomeUncertain
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeUncertain:
		return "uncertain"
	default:
		return "failed"
	}
}

// Result is what one Send call terminated with.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// Probe describes one probe message for one route. From and To must already
// have their environment placeholders expanded.
type Probe struct {
	Route   string
	FromKey string
	ToKey   string
	From    config.Account
	To      config.Account
	Subject string
	Body    string
	Timeout time.Duration
}

const maxAttempts = 3

// Sender dispatches probe messages over SMTP with bounded retries. Transient
// server replies (4xx) back off exponentially with jitter; transaction-phase
// network interruptions retry on a short fixed schedule and end uncertain.
type Sender struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	// overridable in tests
	sleep            func(ctx context.Context, d time.Duration)
	transientBackoff func(attempt int) time.Duration
	ambiguousBackoff func(timeout time.Duration) time.Duration
}

func NewSender(log *zap.SugaredLogger, m *metrics.Metrics) *Sender {
	return &Sender{
		log:              log.Named("smtp"),
		metrics:          m,
		sleep:            sleepCtx,
		transientBackoff: transientBackoff,
		ambiguousBackoff: ambiguousBackoff,
	}
}

// Send delivers one probe message and classifies the terminal outcome. It
// never returns before a terminal outcome is reached; the per-attempt SMTP
// timeout bounds how long that can take.
func (s *Sender) Send(ctx context.Context, p Probe) Result {
	username := p.From.SMTP.Username
	password := p.From.SMTP.Password
	toAddr := p.To.IMAP.Username
	if toAddr == "" {
		toAddr = p.To.SMTP.Username
	}

	if username == "" {
		return s.fail(p, 0, &CredentialError{Account: p.FromKey, Reason: "SMTP username missing"})
	}
	if password == "" {
		return s.fail(p, 0, &CredentialError{Account: p.FromKey, Reason: fmt.Sprintf("SMTP password empty for user %s host %s", username, p.From.SMTP.Host)})
	}
	if toAddr == "" {
		return s.fail(p, 0, &CredentialError{Account: p.ToKey, Reason: "destination username/email missing"})
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", username)
	msg.SetHeader("To", toAddr)
	msg.SetHeader("Subject", p.Subject)
	msg.SetBody("text/plain", p.Body)

	dialer := gomail.NewDialer(p.From.SMTP.Host, p.From.SMTP.Port, username, password)
	starttls := p.From.SMTP.StartTLS == nil || *p.From.SMTP.StartTLS
	dialer.SSL = !starttls && p.From.SMTP.Port == 465

	s.metrics.LastSend.WithLabelValues(p.Route, p.FromKey, p.ToKey).Set(float64(time.Now().Unix()))

	var lastErr error
	var lastClass errClass
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		phase, err := s.attempt(dialer, msg, p.Timeout)
		if err == nil {
			s.metrics.SendSuccess.WithLabelValues(p.Route, p.FromKey, p.ToKey).Set(1)
			s.metrics.SendUncertain.WithLabelValues(p.Route, p.FromKey, p.ToKey).Set(0)
			s.log.Infow("SMTP send ok", "route", p.Route, "attempt", attempt)
			return Result{Outcome: OutcomeOK, Attempts: attempt}
		}

		lastErr = err
		lastClass = classify(err, phase)

		switch lastClass {
		case classTransient:
			if code := replyCode(err); code != 0 {
				s.metrics.RateLimited.WithLabelValues(p.Route, p.FromKey, p.ToKey, strconv.Itoa(code)).Inc()
			}
			if attempt < maxAttempts {
				backoff := s.transientBackoff(attempt)
				s.log.Warnw("SMTP temporary failure, retrying",
					"route", p.Route, "attempt", attempt, "backoff", backoff, "error", err)
				s.sleep(ctx, backoff)
				continue
			}
		case classAmbiguous:
			if attempt < maxAttempts {
				backoff := s.ambiguousBackoff(p.Timeout)
				s.log.Warnw("SMTP timeout/disconnect mid-transaction, retrying",
					"route", p.Route, "attempt", attempt, "backoff", backoff, "error", err)
				s.sleep(ctx, backoff)
				continue
			}
		case classPermanent:
			s.log.Errorw("SMTP send failed permanently", "route", p.Route, "attempt", attempt, "error", err)
			return s.fail(p, attempt, err)
		}

		// attempt budget exhausted
		if lastClass == classAmbiguous {
			s.metrics.SendSuccess.WithLabelValues(p.Route, p.FromKey, p.ToKey).Set(0)
			s.metrics.SendUncertain.WithLabelValues(p.Route, p.FromKey, p.ToKey).Set(1)
			s.log.Warnw("SMTP send uncertain after retries", "route", p.Route, "attempts", attempt, "error", lastErr)
			return Result{Outcome: OutcomeUncertain, Attempts: attempt, Err: lastErr}
		}
		s.log.Errorw("SMTP send failed after retries", "route", p.Route, "attempts", attempt, "error", lastErr)
		return s.fail(p, attempt, lastErr)
	}

	return s.fail(p, maxAttempts, lastErr)
}

// attempt performs one dial + message transaction, each bounded by timeout,
// and reports in which phase a failure happened.
func (s *Sender) attempt(dialer *gomail.Dialer, msg *gomail.Message, timeout time.Duration) (sendPhase, error) {
	sc, err := dialWithTimeout(dialer, timeout)
	if err != nil {
		return phaseDial, err
	}

	if err := sendWithTimeout(sc, msg, timeout); err != nil {
		return phaseTransaction, err
	}
	_ = sc.Close()
	return phaseTransaction, nil
}

func (s *Sender) fail(p Probe, attempts int, err error) Result {
	s.metrics.SendSuccess.WithLabelValues(p.Route, p.FromKey, p.ToKey).Set(0)
	s.metrics.SendUncertain.WithLabelValues(p.Route, p.FromKey, p.ToKey).Set(0)
	return Result{Outcome: OutcomeFailed, Attempts: attempts, Err: err}
}

func dialWithTimeout(dialer *gomail.Dialer, timeout time.Duration) (gomail.SendCloser, error) {
	type dialResult struct {
		sc  gomail.SendCloser
		err error
	}
	ch := make(chan dialResult, 1)
	go func() {
		sc, err := dialer.Dial()
		ch <- dialResult{sc, err}
	}()

	select {
	case r := <-ch:
		return r.sc, r.err
	case <-time.After(timeout):
		// close the connection if the dial ever completes
		go func() {
			if r := <-ch; r.sc != nil {
				_ = r.sc.Close()
			}
		}()
		return nil, errAttemptTimeout
	}
}

func sendWithTimeout(sc gomail.SendCloser, msg *gomail.Message, timeout time.Duration) error {
	ch := make(chan error, 1)
	go func() {
		ch <- gomail.Send(sc, msg)
	}()

	select {
	case err := <-ch:
		if err != nil {
			_ = sc.Close()
		}
		return err
	case <-time.After(timeout):
		// closing the session unblocks the pending write
		_ = sc.Close()
		return errAttemptTimeout
	}
}

// transientBackoff: 3s, 6s, 12s... capped at 30s, plus up to 1.5s jitter.
func transientBackoff(attempt int) time.Duration {
	backoff := 3 * time.Second << (attempt - 1)
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff + time.Duration(rand.Float64()*1.5*float64(time.Second))
}

// ambiguousBackoff scales with the SMTP timeout: timeout/20 clamped to [2s, 5s].
func ambiguousBackoff(timeout time.Duration) time.Duration {
	backoff := timeout / 20
	if backoff < 2*time.Second {
		backoff = 2 * time.Second
	}
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
