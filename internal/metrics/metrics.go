// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotwatch/internal/check"
	"slotwatch/internal/commands"
	"slotwatch/internal/escalation"
	"slotwatch/internal/eventbus"
	"slotwatch/internal/notifier"
)

const namespace = "slotwatch"

// Collector owns a private registry with the Go and process collectors.
type Collector struct {
	reg *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionActive    prometheus.Gauge
	sessionState     *prometheus.GaugeVec
	captchaAttempts  prometheus.Counter
	triggersSkipped  *prometheus.CounterVec
	escalationTicks  prometheus.Counter
	campaigns        *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	commandsHandled  *prometheus.CounterVec
	lastAvailability prometheus.Gauge
}

var states = []check.State{
	check.StateIdle, check.StateAcquiring, check.StateSolvingCaptcha, check.StateEvaluating,
	check.StateEscalating, check.StateCleaning, check.StateDone, check.StateAborted, check.StateFailed,
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_started_total",
			Help: "Check sessions started, labeled by trigger.",
		}, []string{"trigger"}),
		sessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_finished_total",
			Help: "Check sessions finished, labeled by final state and availability.",
		}, []string{"state", "availability"}),
		sessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds",
			Help:    "Wall time of check sessions, labeled by final state.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}, []string{"state"}),
		sessionActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_active",
			Help: "1 while a check session is running.",
		}),
		sessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "session_state",
			Help: "1 for the state the current or last session is in.",
		}, []string{"state"}),
		captchaAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "captcha_attempts_total",
			Help: "Captcha attempts across all sessions.",
		}),
		triggersSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_skipped_total",
			Help: "Triggers refused (busy or outside working hours), labeled by trigger.",
		}, []string{"trigger"}),
		escalationTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalation_ticks_total",
			Help: "Escalation rounds sent.",
		}),
		campaigns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "campaigns_total",
			Help: "Finished escalation campaigns, labeled by outcome.",
		}, []string{"outcome"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notification deliveries, labeled by channel and result.",
		}, []string{"channel", "result"}),
		commandsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Operator commands handled, labeled by command and result.",
		}, []string{"command", "result"}),
		lastAvailability: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_availability_timestamp_seconds",
			Help: "Unix time a session last found appointments.",
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe applies one event to the collectors. Unknown events are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.SessionStarted:
		if info, ok := ev.Data.(check.SessionInfo); ok {
			c.sessionsStarted.WithLabelValues(string(info.Trigger)).Inc()
			c.sessionActive.Set(1)
		}
	case eventbus.SessionState:
		if info, ok := ev.Data.(check.SessionInfo); ok {
			c.setState(info.State)
		}
	case eventbus.SessionFinished:
		info, ok := ev.Data.(check.SessionInfo)
		if !ok {
			return
		}
		avail := string(info.Availability)
		if avail == "" {
			avail = "none"
		} else {
			c.lastAvailability.Set(float64(info.FinishedAt.Unix()))
		}
		c.sessionsFinished.WithLabelValues(string(info.State), avail).Inc()
		if !info.FinishedAt.IsZero() {
			c.sessionDuration.WithLabelValues(string(info.State)).Observe(info.FinishedAt.Sub(info.StartedAt).Seconds())
		}
		c.sessionActive.Set(0)
		c.setState(info.State)
	case eventbus.CaptchaAttempt:
		c.captchaAttempts.Inc()
	case eventbus.TriggerSkipped:
		trigger, _ := ev.Data.(string)
		c.triggersSkipped.WithLabelValues(trigger).Inc()
	case eventbus.EscalationTick:
		c.escalationTicks.Inc()
	case eventbus.EscalationStopped:
		if st, ok := ev.Data.(escalation.Stats); ok {
			c.campaigns.WithLabelValues(string(st.Outcome)).Inc()
		}
	case eventbus.ChannelSent, eventbus.ChannelFailed:
		ne, ok := ev.Data.(notifier.NotificationEvent)
		if !ok {
			return
		}
		result := "ok"
		if ev.Type == eventbus.ChannelFailed {
			result = "error"
		}
		c.notifications.WithLabelValues(ne.Channel, result).Inc()
	case eventbus.CommandHandled:
		he, ok := ev.Data.(commands.HandledEvent)
		if !ok {
			return
		}
		result := "ok"
		if he.Error != "" {
			result = "error"
		}
		c.commandsHandled.WithLabelValues(he.Command, result).Inc()
	}
}

func (c *Collector) setState(st check.State) {
	for _, s := range states {
		v := 0.0
		if s == st {
			v = 1
		}
		c.sessionState.WithLabelValues(string(s)).Set(v)
	}
}
