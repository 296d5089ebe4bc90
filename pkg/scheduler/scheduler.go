package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/mail-e2e-exporter/pkg/config"
	"github.com/telekom/mail-e2e-exporter/pkg/mail"
	"github.com/telekom/mail-e2e-exporter/pkg/mailbox"
	"github.com/telekom/mail-e2e-exporter/pkg/metrics"
)

// Sender dispatches one probe message and classifies the terminal outcome.
type Sender interface {
	Send(ctx context.Context, p mail.Probe) mail.Result
}

// MailboxPoller searches the destination mailbox for a probe token.
type MailboxPoller interface {
	WaitForToken(ctx context.Context, accountKey string, acc config.IMAPAccount, token string, opts mailbox.Options) (mailbox.Result, error)
}

// Runner owns the cycle loop. Each cycle pins exactly one configuration
// snapshot; a reload only takes effect at the next cycle boundary.
type Runner struct {
	log     *zap.SugaredLogger
	store   *config.Store
	metrics *metrics.Metrics
	sender  Sender
	poller  MailboxPoller

	// overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(log *zap.SugaredLogger, store *config.Store, m *metrics.Metrics, sender Sender, poller MailboxPoller) *Runner {
	return &Runner{
		log:     log.Named("scheduler"),
		store:   store,
		metrics: m,
		sender:  sender,
		poller:  poller,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Run executes probe cycles until ctx is cancelled. Cancellation interrupts
// the inter-cycle sleep immediately; tasks already in flight run to their own
// timeouts.
func (r *Runner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.store.ReloadIfChanged(false); err != nil {
			r.log.Errorw("Config reload failed, continuing with previous snapshot", "error", err)
		}
		cfg := r.store.Snapshot()

		r.RunCycle(ctx, cfg)

		if err := r.sleep(ctx, cfg.Exporter.CheckInterval()); err != nil {
			r.log.Infow("Scheduler stopping", "reason", err)
			return
		}
	}
}

// RunCycle performs one full probe cycle against a pinned snapshot: publish
// the config gauges, then run every route concurrently and wait for all of
// them.
func (r *Runner) RunCycle(ctx context.Context, cfg *config.Config) {
	e := cfg.Exporter
	r.metrics.ConfigDelete.Set(metrics.BoolValue(e.DeleteTestmailAfterVerify == nil || *e.DeleteTestmailAfterVerify))
	r.metrics.ConfigReceiveTimeout.Set(float64(e.ReceiveTimeoutSeconds))
	r.metrics.ConfigReceivePoll.Set(float64(e.ReceivePollSeconds))
	r.metrics.ConfigCheckInterval.Set(float64(e.CheckIntervalSeconds))
	r.metrics.ConfigSMTPTimeout.Set(float64(e.SMTPTimeoutSeconds))

	if len(cfg.Tests) == 0 {
		r.log.Infow("No test routes configured, idle cycle")
		return
	}

	start := r.now()
	var wg sync.WaitGroup
	for _, route := range cfg.Tests {
		wg.Add(1)
		go func(rt config.Route) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Errorw("Route task panicked", "route", rt.DisplayName(), "panic", rec)
				}
			}()
			r.runRoute(ctx, cfg, rt)
		}(route)
	}
	wg.Wait()
	r.log.Infow("Probe cycle finished", "routes", len(cfg.Tests), "duration", r.now().Sub(start))
}

func (r *Runner) runRoute(ctx context.Context, cfg *config.Config, route config.Route) {
	name := route.DisplayName()
	r.metrics.TestInfo.WithLabelValues(name, route.From, route.To).Set(1)
	r.metrics.ResetRoute(name, route.From, route.To)

	from, okFrom := cfg.Accounts[route.From]
	to, okTo := cfg.Accounts[route.To]
	if !okFrom || !okTo {
		missing := route.From
		if okFrom {
			missing = route.To
		}
		r.recordError(name, route.From, route.To, "config", fmt.Errorf("unknown account %q", missing))
		r.log.Errorw("Route references unknown account, skipping", "route", name, "account", missing)
		return
	}
	from = from.ExpandEnv()
	to = to.ExpandEnv()

	e := cfg.Exporter
	token := newToken()
	needle := "E2E-" + token
	sentAt := r.now()

	smtpTimeout := e.SMTPTimeout()
	if from.SMTP.TimeoutSeconds > 0 {
		smtpTimeout = time.Duration(from.SMTP.TimeoutSeconds) * time.Second
	}

	probe := mail.Probe{
		Route:   name,
		FromKey: route.From,
		ToKey:   route.To,
		From:    from,
		To:      to,
		Subject: fmt.Sprintf("%s %s %s", e.SubjectPrefix, name, needle),
		Body: fmt.Sprintf("Automated delivery probe for route %s.\nToken: %s\nSent: %s\n",
			name, needle, sentAt.UTC().Format(time.RFC3339)),
		Timeout: smtpTimeout,
	}

	res := r.sender.Send(ctx, probe)
	switch res.Outcome {
	case mail.OutcomeOK:
		r.metrics.ReceiveAttempted.WithLabelValues(name, route.From, route.To).Set(1)
		r.waitForDelivery(ctx, route, name, to, needle, sentAt, mailbox.Options{
			PollInterval:    e.ReceivePoll(),
			Timeout:         e.ReceiveTimeout(),
			DeleteAfterFind: e.DeleteTestmailAfterVerify == nil || *e.DeleteTestmailAfterVerify,
		}, "receive")

	case mail.OutcomeUncertain:
		r.metrics.ReceiveSkipped.WithLabelValues(name, route.From, route.To).Set(1)
		r.recordError(name, route.From, route.To, "send", res.Err)
		if e.UncertainProbeOnTimeout == nil || *e.UncertainProbeOnTimeout {
			// the message may have been accepted anyway; a short mailbox
			// probe turns a false alarm into a confirmed delivery
			r.waitForDelivery(ctx, route, name, to, needle, sentAt, mailbox.Options{
				PollInterval:    e.UncertainProbePoll(),
				Timeout:         e.UncertainProbeTimeout(),
				DeleteAfterFind: e.DeleteTestmailAfterVerify == nil || *e.DeleteTestmailAfterVerify,
			}, "uncertain_probe")
		}

	default:
		r.metrics.ReceiveSkipped.WithLabelValues(name, route.From, route.To).Set(1)
		r.recordError(name, route.From, route.To, "send", res.Err)
	}
}

// waitForDelivery polls the destination mailbox and records the receive-side
// metrics. A mailbox timeout is only counted as an error for the regular
// receive step, not for the best-effort probe after an uncertain send.
func (r *Runner) waitForDelivery(ctx context.Context, route config.Route, name string, to config.Account, needle string, sentAt time.Time, opts mailbox.Options, step string) {
	found, err := r.poller.WaitForToken(ctx, route.To, to.IMAP, needle, opts)
	if err != nil {
		r.recordError(name, route.From, route.To, step, err)
		r.log.Errorw("Mailbox poll failed", "route", name, "step", step, "error", err)
		return
	}
	if !found.Found {
		if step == "receive" {
			r.recordError(name, route.From, route.To, step, fmt.Errorf("message %s not found within %s", needle, opts.Timeout))
			r.log.Warnw("Probe message not received in time", "route", name, "timeout", opts.Timeout)
		}
		return
	}

	now := r.now()
	r.metrics.ReceiveSuccess.WithLabelValues(name, route.From, route.To).Set(1)
	r.metrics.LastReceive.WithLabelValues(name, route.From, route.To).Set(float64(now.Unix()))
	r.metrics.Roundtrip.WithLabelValues(name, route.From, route.To).Set(now.Sub(sentAt).Seconds())
	if step == "uncertain_probe" {
		// send_uncertain stays 1: the send itself remains unconfirmed, only
		// the delivery is
		r.log.Infow("Uncertain send confirmed delivered", "route", name, "folder", found.Folder)
		return
	}
	r.log.Infow("Probe message received", "route", name, "folder", found.Folder, "roundtrip", now.Sub(sentAt))
}

func (r *Runner) recordError(route, from, to, step string, err error) {
	if err == nil {
		err = fmt.Errorf("%s failed", step)
	}
	r.metrics.Errors.WithLabelValues(route, from, to, step).Inc()
	r.metrics.LastError.WithLabelValues(route, from, to).Set(errorFingerprint(route, from, to, step, err))
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
