package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "30s", "20m"); empty means the default.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Target       TargetConfig       `json:"target"`
	Browser      BrowserConfig      `json:"browser"`
	Captcha      CaptchaConfig      `json:"captcha"`
	Schedule     ScheduleConfig     `json:"schedule"`
	WorkingHours WorkingHoursConfig `json:"working_hours"`
	Escalation   EscalationConfig   `json:"escalation"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Push         *PushConfig        `json:"push,omitempty"`
	Email        *EmailConfig       `json:"email,omitempty"`
	Session      SessionConfig      `json:"session"`
	Ops          OpsConfig          `json:"ops,omitempty"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OperatorID is the only user whose messages are honoured.
	OperatorID int64 `json:"operator_id"`
	// ChatID defaults to OperatorID (private chat).
	ChatID      int64  `json:"chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	// ForwardRoutine is the initial state of the toggle-logging switch.
	ForwardRoutine bool `json:"forward_routine,omitempty"`
}

// TargetConfig describes the booking page. Selectors are CSS selectors.
type TargetConfig struct {
	URL string `json:"url"`

	CaptchaImage  string `json:"captcha_image"`
	CaptchaInput  string `json:"captcha_input"`
	CaptchaSubmit string `json:"captcha_submit"`
	// WrongCaptchaText appears on the page after a rejected answer.
	WrongCaptchaText string `json:"wrong_captcha_text"`
	// NoSlotsText appears when the current period has no free appointments.
	NoSlotsText string `json:"no_slots_text"`
	// NextPeriod is the "next month" control. Required when CheckNextPeriod is on.
	NextPeriod      string `json:"next_period,omitempty"`
	CheckNextPeriod bool   `json:"check_next_period"`
}

type BrowserConfig struct {
	Headless          *bool  `json:"headless,omitempty"` // default true
	ExecPath          string `json:"exec_path,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	WindowWidth       int    `json:"window_width,omitempty"`
	WindowHeight      int    `json:"window_height,omitempty"`
	ElementTimeout    string `json:"element_timeout,omitempty"`
	NavigationTimeout string `json:"navigation_timeout,omitempty"`
}

// CaptchaConfig selects the resolver strategy once at startup.
//
// mode: "service" (automated solving service) or "human" (relay to the operator).
type CaptchaConfig struct {
	Mode         string               `json:"mode"`
	MaxAttempts  int                  `json:"max_attempts,omitempty"`
	HumanTimeout string               `json:"human_timeout,omitempty"`
	Service      CaptchaServiceConfig `json:"service"`
}

type CaptchaServiceConfig struct {
	APIKey       string `json:"api_key,omitempty"` // do not log
	BaseURL      string `json:"base_url,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// ScheduleConfig controls the periodic trigger.
//
// Spec accepts cron expressions (5 fields or with seconds) and descriptors
// such as "@every 15m" or "@hourly".
type ScheduleConfig struct {
	Spec       string `json:"spec"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// WorkingHoursConfig is the initial working window ("HH:MM").
// Timezone empty means process local time.
type WorkingHoursConfig struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// EscalationConfig.MaxEmails nil means the default; 0 sends no email.
type EscalationConfig struct {
	Interval         string `json:"interval,omitempty"`
	MaxNotifications int    `json:"max_notifications,omitempty"`
	EmailEvery       int    `json:"email_every,omitempty"`
	MaxEmails        *int   `json:"max_emails,omitempty"`
	AckText          string `json:"ack_text,omitempty"`
}

// NotifierConfig tunes the per-channel delivery wrapper.
// If the section is omitted, defaults are used.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// PushConfig configures a Pushover-compatible push API.
type PushConfig struct {
	Enabled  bool   `json:"enabled"`
	BaseURL  string `json:"base_url,omitempty"`
	Token    string `json:"token"` // do not log
	User     string `json:"user"`
	Priority int    `json:"priority,omitempty"`
}

type EmailConfig struct {
	Enabled  bool     `json:"enabled"`
	Host     string   `json:"host"`
	Port     int      `json:"port,omitempty"` // default 587
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"` // do not log
	From     string   `json:"from"`
	To       []string `json:"to"`
}

type SessionConfig struct {
	GraceDelay string `json:"grace_delay,omitempty"`
}

// OpsConfig controls the optional operational HTTP server (health, status,
// metrics, pprof).
//
// Prefer binding to localhost. A non-loopback address needs a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional audit journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slotwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
