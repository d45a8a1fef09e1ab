package storage

import (
	"context"
	"time"

	"slotwatch/internal/check"
	"slotwatch/internal/commands"
	"slotwatch/internal/escalation"
	"slotwatch/internal/eventbus"
	logx "slotwatch/pkg/logx"
)

const appendTimeout = 5 * time.Second

// Recorder writes bus events of interest to a Store.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log.With(logx.String("comp", "journal"))}
}

// Run consumes bus events until ctx is done. Write failures are logged and skipped.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			rec, ok := RecordFor(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
			if err := r.store.Append(actx, rec); err != nil {
				r.log.Warn("journal append failed", logx.String("kind", string(rec.Kind)), logx.Err(err))
			}
			cancel()
		}
	}
}

// RecordFor maps an event to a journal record. Intermediate session states
// and per-tick events are not journaled.
func RecordFor(ev eventbus.Event) (Record, bool) {
	switch ev.Type {
	case eventbus.SessionFinished:
		info, ok := ev.Data.(check.SessionInfo)
		if !ok {
			return Record{}, false
		}
		rec := Record{
			At:           ev.Time,
			Kind:         KindSession,
			SessionID:    info.ID,
			Trigger:      string(info.Trigger),
			State:        string(info.State),
			Attempts:     info.Attempts,
			Availability: string(info.Availability),
			Error:        info.Error,
		}
		if !info.FinishedAt.IsZero() {
			rec.TookMS = info.FinishedAt.Sub(info.StartedAt).Milliseconds()
		}
		return rec, true
	case eventbus.EscalationStopped:
		st, ok := ev.Data.(escalation.Stats)
		if !ok {
			return Record{}, false
		}
		rec := Record{At: ev.Time, Kind: KindCampaign, State: string(st.Outcome), Sent: st.Sent, Emails: st.Emails}
		if !st.Finished.IsZero() {
			rec.TookMS = st.Finished.Sub(st.Started).Milliseconds()
		}
		return rec, true
	case eventbus.CommandHandled:
		he, ok := ev.Data.(commands.HandledEvent)
		if !ok {
			return Record{}, false
		}
		return Record{At: ev.Time, Kind: KindCommand, Command: he.Command, Args: he.Args, ActorID: he.FromID, Error: he.Error}, true
	case eventbus.TriggerSkipped:
		trigger, _ := ev.Data.(string)
		return Record{At: ev.Time, Kind: KindSkipped, Trigger: trigger}, true
	}
	return Record{}, false
}
