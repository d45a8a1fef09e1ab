package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Defaults for the tunables. Each has a config key (see Settings).
const (
	DefaultMaxCaptchaAttempts    = 5
	DefaultMaxNotifications      = 50
	DefaultEmailEvery            = 10
	DefaultMaxEmails             = 10
	DefaultEscalationInterval    = 30 * time.Second
	DefaultServicePollInterval   = 5 * time.Second
	DefaultServiceTimeout        = 60 * time.Second
	DefaultHumanCaptchaTimeout   = 3 * time.Minute
	DefaultElementTimeout        = 20 * time.Minute
	DefaultNavigationTimeout     = 20 * time.Minute
	DefaultGraceDelay            = 10 * time.Second
	DefaultPollTimeout           = 10 * time.Second
	DefaultAckText               = "OK"
	DefaultNotifierRatePerSec    = 1
	DefaultNotifierRetryMax      = 2
	DefaultNotifierRetryBase     = 500 * time.Millisecond
	DefaultNotifierRetryMaxDelay = 5 * time.Second
	DefaultNotifierSendTimeout   = 20 * time.Second
	DefaultOpsAddr               = "127.0.0.1:6060"
	DefaultSMTPPort              = 587
	DefaultPushBaseURL           = "https://api.pushover.net/1/messages.json"
	DefaultCaptchaServiceURL     = "https://api.anti-captcha.com"
	DefaultWorkingHoursStart     = "08:00"
	DefaultWorkingHoursEnd       = "20:00"
	DefaultScheduleSpec          = "@every 15m"
	CaptchaModeService           = "service"
	CaptchaModeHuman             = "human"
)

// Settings is the resolved (defaulted, parsed) view of the durations and
// counters in Config.
type Settings struct {
	PollTimeout time.Duration

	MaxCaptchaAttempts  int
	HumanCaptchaTimeout time.Duration
	ServicePollInterval time.Duration
	ServiceTimeout      time.Duration

	ElementTimeout    time.Duration
	NavigationTimeout time.Duration

	EscalationInterval time.Duration
	MaxNotifications   int
	EmailEvery         int
	MaxEmails          int
	AckText            string

	NotifierRatePerSec    int
	NotifierRetryMax      int
	NotifierRetryBase     time.Duration
	NotifierRetryMaxDelay time.Duration
	NotifierSendTimeout   time.Duration

	GraceDelay time.Duration

	OpsReadTimeout time.Duration
	OpsIdleTimeout time.Duration
	BusyTimeout    time.Duration
}

// Resolve applies defaults and parses every duration field.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.New("config is nil")
	}
	var (
		s    Settings
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	positive := func(v, def int) int {
		if v <= 0 {
			return def
		}
		return v
	}

	s.PollTimeout = dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout)

	s.MaxCaptchaAttempts = positive(cfg.Captcha.MaxAttempts, DefaultMaxCaptchaAttempts)
	s.HumanCaptchaTimeout = dur("captcha.human_timeout", cfg.Captcha.HumanTimeout, DefaultHumanCaptchaTimeout)
	s.ServicePollInterval = dur("captcha.service.poll_interval", cfg.Captcha.Service.PollInterval, DefaultServicePollInterval)
	s.ServiceTimeout = dur("captcha.service.timeout", cfg.Captcha.Service.Timeout, DefaultServiceTimeout)

	s.ElementTimeout = dur("browser.element_timeout", cfg.Browser.ElementTimeout, DefaultElementTimeout)
	s.NavigationTimeout = dur("browser.navigation_timeout", cfg.Browser.NavigationTimeout, DefaultNavigationTimeout)

	s.EscalationInterval = dur("escalation.interval", cfg.Escalation.Interval, DefaultEscalationInterval)
	s.MaxNotifications = positive(cfg.Escalation.MaxNotifications, DefaultMaxNotifications)
	s.EmailEvery = positive(cfg.Escalation.EmailEvery, DefaultEmailEvery)
	s.MaxEmails = DefaultMaxEmails
	if m := cfg.Escalation.MaxEmails; m != nil && *m >= 0 {
		s.MaxEmails = *m
	}
	s.AckText = strings.TrimSpace(cfg.Escalation.AckText)
	if s.AckText == "" {
		s.AckText = DefaultAckText
	}

	n := cfg.Notifier
	if n == nil {
		n = &NotifierConfig{}
	}
	s.NotifierRatePerSec = positive(n.RatePerSec, DefaultNotifierRatePerSec)
	s.NotifierRetryMax = n.RetryMax
	if s.NotifierRetryMax <= 0 {
		s.NotifierRetryMax = DefaultNotifierRetryMax
	}
	s.NotifierRetryBase = dur("notifier.retry_base", n.RetryBase, DefaultNotifierRetryBase)
	s.NotifierRetryMaxDelay = dur("notifier.retry_max_delay", n.RetryMaxDelay, DefaultNotifierRetryMaxDelay)
	s.NotifierSendTimeout = dur("notifier.send_timeout", n.SendTimeout, DefaultNotifierSendTimeout)

	s.GraceDelay = dur("session.grace_delay", cfg.Session.GraceDelay, DefaultGraceDelay)

	s.OpsReadTimeout = dur("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second)
	s.OpsIdleTimeout = dur("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second)
	if cfg.Storage != nil {
		s.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	}

	return s, errors.Join(errs...)
}

// Validate checks required fields and cross-field rules. It does not touch the network.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	req := func(path, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", path))
		}
	}

	req("telegram.token", cfg.Telegram.Token)
	if cfg.Telegram.OperatorID == 0 {
		errs = append(errs, errors.New("telegram.operator_id is required"))
	}

	req("target.url", cfg.Target.URL)
	req("target.captcha_image", cfg.Target.CaptchaImage)
	req("target.captcha_input", cfg.Target.CaptchaInput)
	req("target.captcha_submit", cfg.Target.CaptchaSubmit)
	req("target.no_slots_text", cfg.Target.NoSlotsText)
	if cfg.Target.CheckNextPeriod {
		req("target.next_period", cfg.Target.NextPeriod)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Captcha.Mode)) {
	case CaptchaModeService:
		req("captcha.service.api_key", cfg.Captcha.Service.APIKey)
	case CaptchaModeHuman:
	default:
		errs = append(errs, fmt.Errorf("captcha.mode must be %q or %q", CaptchaModeService, CaptchaModeHuman))
	}

	for path, raw := range map[string]string{
		"working_hours.start": cfg.WorkingHours.Start,
		"working_hours.end":   cfg.WorkingHours.End,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, _, err := parseClock(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	for path, tz := range map[string]string{
		"working_hours.timezone": cfg.WorkingHours.Timezone,
		"schedule.timezone":      cfg.Schedule.Timezone,
	} {
		if strings.TrimSpace(tz) == "" {
			continue
		}
		if _, err := time.LoadLocation(strings.TrimSpace(tz)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	if p := cfg.Push; p != nil && p.Enabled {
		req("push.token", p.Token)
		req("push.user", p.User)
	}
	if e := cfg.Email; e != nil && e.Enabled {
		req("email.host", e.Host)
		if _, err := mail.ParseAddress(e.From); err != nil {
			errs = append(errs, fmt.Errorf("email.from: %w", err))
		}
		if len(e.To) == 0 {
			errs = append(errs, errors.New("email.to needs at least one recipient"))
		}
		for _, to := range e.To {
			if _, err := mail.ParseAddress(to); err != nil {
				errs = append(errs, fmt.Errorf("email.to %q: %w", to, err))
			}
		}
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver %q is not supported", s.Driver))
		}
	}

	if _, err := Resolve(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// parseClock parses "HH:MM" without importing the window package.
func parseClock(raw string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", raw)
	}
	return t.Hour(), t.Minute(), nil
}
