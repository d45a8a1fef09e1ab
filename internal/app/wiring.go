package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"slotwatch/internal/browser"
	"slotwatch/internal/captcha"
	"slotwatch/internal/captcha/anticaptcha"
	"slotwatch/internal/check"
	"slotwatch/internal/config"
	"slotwatch/internal/inbox"
	"slotwatch/internal/notifier"
	"slotwatch/internal/ops"
	"slotwatch/internal/scheduler"
	"slotwatch/internal/storage"
	kit "slotwatch/internal/transport"
	logx "slotwatch/pkg/logx"
)

// ValidateConfig is the full startup check; it also guards every reload before commit.
func ValidateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if spec := strings.TrimSpace(cfg.Schedule.Spec); spec != "" {
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return fmt.Errorf("schedule.spec: %w", err)
		}
	}
	return nil
}

// operatorTarget is the private chat with the operator unless chat_id overrides it.
func operatorTarget(cfg *config.Config) kit.ChatTarget {
	chat := cfg.Telegram.ChatID
	if chat == 0 {
		chat = cfg.Telegram.OperatorID
	}
	return kit.ChatTarget{ChatID: chat}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:        cfg.Logging.Telegram.Enabled,
			MinLevel:       cfg.Logging.Telegram.MinLevel,
			RatePerSec:     cfg.Logging.Telegram.RatePerSec,
			ForwardRoutine: cfg.Logging.Telegram.ForwardRoutine,
		},
	}
}

func mapNotifierConfig(s config.Settings) notifier.Config {
	return notifier.Config{
		RatePerSec:    s.NotifierRatePerSec,
		RetryMax:      s.NotifierRetryMax,
		RetryBase:     s.NotifierRetryBase,
		RetryMaxDelay: s.NotifierRetryMaxDelay,
		SendTimeout:   s.NotifierSendTimeout,
		HistorySize:   50,
	}
}

func mapPushConfig(p *config.PushConfig) notifier.PushConfig {
	url := strings.TrimSpace(p.BaseURL)
	if url == "" {
		url = config.DefaultPushBaseURL
	}
	return notifier.PushConfig{URL: url, Token: p.Token, User: p.User, Priority: p.Priority}
}

func mapEmailConfig(e *config.EmailConfig) notifier.EmailConfig {
	port := e.Port
	if port <= 0 {
		port = config.DefaultSMTPPort
	}
	return notifier.EmailConfig{
		Host:     e.Host,
		Port:     port,
		Username: e.Username,
		Password: e.Password,
		From:     e.From,
		To:       append([]string(nil), e.To...),
	}
}

func mapBrowserConfig(cfg *config.Config) browser.Config {
	headless := true
	if cfg.Browser.Headless != nil {
		headless = *cfg.Browser.Headless
	}
	return browser.Config{
		Headless:     headless,
		ExecPath:     cfg.Browser.ExecPath,
		UserAgent:    cfg.Browser.UserAgent,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
	}
}

func mapCheckConfig(cfg *config.Config, s config.Settings) check.Config {
	t := cfg.Target
	return check.Config{
		Target: check.Target{
			URL:              t.URL,
			CaptchaImage:     t.CaptchaImage,
			CaptchaInput:     t.CaptchaInput,
			CaptchaSubmit:    t.CaptchaSubmit,
			WrongCaptchaText: t.WrongCaptchaText,
			NoSlotsText:      t.NoSlotsText,
			NextPeriod:       t.NextPeriod,
			CheckNextPeriod:  t.CheckNextPeriod,
		},
		MaxCaptchaAttempts: s.MaxCaptchaAttempts,
		ElementTimeout:     s.ElementTimeout,
		NavigationTimeout:  s.NavigationTimeout,
		GraceDelay:         s.GraceDelay,
	}
}

func mapScheduleConfig(cfg *config.Config) scheduler.Config {
	spec := strings.TrimSpace(cfg.Schedule.Spec)
	if spec == "" {
		spec = config.DefaultScheduleSpec
	}
	return scheduler.Config{Spec: spec, Timezone: strings.TrimSpace(cfg.Schedule.Timezone)}
}

func mapOpsConfig(cfg *config.Config, s config.Settings) ops.Config {
	addr := strings.TrimSpace(cfg.Ops.Addr)
	if addr == "" {
		addr = config.DefaultOpsAddr
	}
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		ReadTimeout:   s.OpsReadTimeout,
		IdleTimeout:   s.OpsIdleTimeout,
	}
}

func mapStorageConfig(cfg *config.Config, s config.Settings) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: s.BusyTimeout,
	}
}

// newResolver picks the captcha strategy once at startup.
func newResolver(cfg *config.Config, s config.Settings, deps resolverDeps, log logx.Logger) (captcha.Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Captcha.Mode)) {
	case config.CaptchaModeService:
		opts := []anticaptcha.Option{anticaptcha.WithHTTPClient(deps.http)}
		if u := strings.TrimSpace(cfg.Captcha.Service.BaseURL); u != "" {
			opts = append(opts, anticaptcha.WithBaseURL(u))
		}
		svc := anticaptcha.New(cfg.Captcha.Service.APIKey, opts...)
		return captcha.NewAutomated(svc, captcha.AutomatedConfig{
			PollInterval: s.ServicePollInterval,
			Timeout:      s.ServiceTimeout,
		}, log), nil
	case config.CaptchaModeHuman:
		return captcha.NewHumanRelay(deps.hub, deps.out, captcha.HumanConfig{Timeout: s.HumanCaptchaTimeout}, log), nil
	default:
		return nil, fmt.Errorf("unknown captcha mode %q", cfg.Captcha.Mode)
	}
}

type resolverDeps struct {
	http *http.Client
	hub  *inbox.Hub
	out  captcha.ImageSender
}
