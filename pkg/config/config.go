package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// SMTPAccount holds the outbound settings of a probe account. Username and
// Password may contain $VAR / ${VAR} placeholders which are expanded when the
// account is used, not when the file is loaded, so a later reload can pick up
// changed environment values.
type SMTPAccount struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	StartTLS *bool  `yaml:"starttls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TimeoutSeconds overrides exporter.smtp_timeout_seconds for this account.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// IMAPAccount holds the mailbox settings of a probe account.
type IMAPAccount struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	SSL      *bool  `yaml:"ssl"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Folder is the primary mailbox checked for probe messages.
	Folder string `yaml:"folder"`
	// ExtraFolders are checked after Folder, in the order given here.
	ExtraFolders []string `yaml:"extra_folders"`
}

type Account struct {
	SMTP SMTPAccount `yaml:"smtp"`
	IMAP IMAPAccount `yaml:"imap"`
}

// ExpandEnv returns a copy of the account with environment placeholders in
// credentials resolved. Expansion is deliberately late so credential rotation
// through the environment does not require a config edit.
func (a Account) ExpandEnv() Account {
	a.SMTP.Username = os.ExpandEnv(a.SMTP.Username)
	a.SMTP.Password = os.ExpandEnv(a.SMTP.Password)
	a.IMAP.Username = os.ExpandEnv(a.IMAP.Username)
	a.IMAP.Password = os.ExpandEnv(a.IMAP.Password)
	return a
}

// Route is one configured probe: a message is sent from account From and
// expected to arrive in the mailbox of account To.
type Route struct {
	Name string `yaml:"name"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// DisplayName returns the configured name, or "from->to" when none is set.
func (r Route) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("%s->%s", r.From, r.To)
}

type Exporter struct {
	ListenAddr                   string `yaml:"listen_addr"`
	ListenPort                   int    `yaml:"listen_port"`
	CheckIntervalSeconds         int    `yaml:"check_interval_seconds"`
	ReceivePollSeconds           int    `yaml:"receive_poll_seconds"`
	ReceiveTimeoutSeconds        int    `yaml:"receive_timeout_seconds"`
	DeleteTestmailAfterVerify    *bool  `yaml:"delete_testmail_after_verify"`
	SubjectPrefix                string `yaml:"subject_prefix"`
	MetricsPrefix                string `yaml:"metrics_prefix"`
	SMTPTimeoutSeconds           int    `yaml:"smtp_timeout_seconds"`
	UncertainProbeOnTimeout      *bool  `yaml:"uncertain_probe_on_timeout"`
	UncertainProbeTimeoutSeconds int    `yaml:"uncertain_probe_timeout_seconds"`
	UncertainProbePollSeconds    int    `yaml:"uncertain_probe_poll_seconds"`
}

func (e Exporter) ListenAddress() string {
	return fmt.Sprintf("%s:%d", e.ListenAddr, e.ListenPort)
}

func (e Exporter) CheckInterval() time.Duration {
	return time.Duration(e.CheckIntervalSeconds) * time.Second
}

func (e Exporter) ReceivePoll() time.Duration {
	return time.Duration(e.ReceivePollSeconds) * time.Second
}

func (e Exporter) ReceiveTimeout() time.Duration {
	return time.Duration(e.ReceiveTimeoutSeconds) * time.Second
}

func (e Exporter) SMTPTimeout() time.Duration {
	return time.Duration(e.SMTPTimeoutSeconds) * time.Second
}

func (e Exporter) UncertainProbeTimeout() time.Duration {
	return time.Duration(e.UncertainProbeTimeoutSeconds) * time.Second
}

func (e Exporter) UncertainProbePoll() time.Duration {
	return time.Duration(e.UncertainProbePollSeconds) * time.Second
}

type Config struct {
	Exporter Exporter           `yaml:"exporter"`
	Accounts map[string]Account `yaml:"accounts"`
	Tests    []Route            `yaml:"tests"`
}

// Defaults fills every unset field with its documented default. It is applied
// after unmarshalling, so a partial config file only overrides the keys it
// actually contains.
func (c *Config) Defaults() {
	e := &c.Exporter
	if e.ListenAddr == "" {
		e.ListenAddr = "0.0.0.0"
	}
	if e.ListenPort == 0 {
		e.ListenPort = 9782
	}
	if e.CheckIntervalSeconds == 0 {
		e.CheckIntervalSeconds = 300
	}
	if e.ReceivePollSeconds == 0 {
		e.ReceivePollSeconds = 5
	}
	if e.ReceiveTimeoutSeconds == 0 {
		e.ReceiveTimeoutSeconds = 120
	}
	if e.DeleteTestmailAfterVerify == nil {
		e.DeleteTestmailAfterVerify = boolPtr(true)
	}
	if e.SubjectPrefix == "" {
		e.SubjectPrefix = "[MAIL-E2E]"
	}
	if e.MetricsPrefix == "" {
		e.MetricsPrefix = "mail_"
	}
	if e.SMTPTimeoutSeconds == 0 {
		e.SMTPTimeoutSeconds = 60
	}
	if e.UncertainProbeOnTimeout == nil {
		e.UncertainProbeOnTimeout = boolPtr(true)
	}
	if e.UncertainProbeTimeoutSeconds == 0 {
		e.UncertainProbeTimeoutSeconds = 12
	}
	if e.UncertainProbePollSeconds == 0 {
		e.UncertainProbePollSeconds = 4
	}

	if c.Accounts == nil {
		c.Accounts = map[string]Account{}
	}
	for key, acc := range c.Accounts {
		if acc.SMTP.Port == 0 {
			acc.SMTP.Port = 587
		}
		if acc.SMTP.StartTLS == nil {
			acc.SMTP.StartTLS = boolPtr(true)
		}
		if acc.IMAP.Port == 0 {
			acc.IMAP.Port = 993
		}
		if acc.IMAP.SSL == nil {
			acc.IMAP.SSL = boolPtr(true)
		}
		if acc.IMAP.Folder == "" {
			acc.IMAP.Folder = "INBOX"
		}
		c.Accounts[key] = acc
	}
}

// Validate reports routes referencing unknown accounts. These are structured
// findings, not fatal errors: the cycle keeps running and counts them under
// the "config" error step.
func (c *Config) Validate() []error {
	var errs []error
	for _, r := range c.Tests {
		if _, ok := c.Accounts[r.From]; !ok {
			errs = append(errs, fmt.Errorf("route %q: unknown source account %q", r.DisplayName(), r.From))
		}
		if _, ok := c.Accounts[r.To]; !ok {
			errs = append(errs, fmt.Errorf("route %q: unknown destination account %q", r.DisplayName(), r.To))
		}
	}
	return errs
}

// Load reads the exporter configuration from path. A missing file is not an
// error: the exporter then runs with defaults and zero routes. A present but
// unreadable or malformed file is.
func Load(path string) (Config, error) {
	var config Config

	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		config.Defaults()
		return config, nil
	}
	if err != nil {
		return config, fmt.Errorf("trying to open exporter config file %s: %v", path, err)
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %v", path, err)
	}
	config.Defaults()
	return config, nil
}

func boolPtr(b bool) *bool { return &b }
