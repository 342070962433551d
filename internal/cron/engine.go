package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/ardenfield/nightdesk/internal/bus"
)

// ProcessDirectFunc self-ingests a synthesized message and returns the
// outbound reply, bypassing the bus (delivery_mode = self_ingest).
type ProcessDirectFunc func(ctx context.Context, msg bus.InboundMessage) (bus.OutboundMessage, error)

// Engine ticks the job store and fires due jobs.
type Engine struct {
	store         *Store
	msgBus        *bus.MessageBus
	processDirect ProcessDirectFunc
	log           *slog.Logger

	// OnRun, if set, is called after every job attempt (success or
	// failure) so callers can record a metrics.Event without this
	// package depending on internal/metrics.
	OnRun func(jobName string, ok bool, proactive bool)
}

func NewEngine(store *Store, msgBus *bus.MessageBus, processDirect ProcessDirectFunc, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, msgBus: msgBus, processDirect: processDirect, log: log}
}

// Run starts the tick loop, checking for due jobs every `interval` until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick fires every enabled job whose next_run_at has elapsed.
func (e *Engine) Tick(ctx context.Context) {
	jobs, err := e.store.List()
	if err != nil {
		e.log.Warn("cron: failed to list jobs", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		next, err := time.Parse(time.RFC3339, job.NextRunAt)
		if err != nil || next.After(now) {
			continue
		}
		e.fire(ctx, job, now)
	}
}

func (e *Engine) fire(ctx context.Context, job Job, now time.Time) {
	ok := true
	msg := bus.InboundMessage{
		Channel:  "system",
		ChatID:   job.TargetChannel + ":" + job.TargetChatID,
		SenderID: "cron:" + job.Name,
		Content:  job.Payload.Message,
		Metadata: map[string]string{"cron_job": job.Name, "cron_payload_kind": job.Payload.Kind},
	}

	switch job.DeliveryMode {
	case DeliveryToChannel:
		msg.Channel = job.TargetChannel
		msg.ChatID = job.TargetChatID
		e.msgBus.PublishInbound(msg)
	case DeliverySelf:
		if e.processDirect == nil {
			e.log.Warn("cron: self_ingest job with no processDirect handler", "job", job.Name)
			ok = false
			break
		}
		out, err := e.processDirect(ctx, msg)
		if err != nil {
			e.log.Warn("cron: self_ingest job failed", "job", job.Name, "error", err)
			ok = false
			break
		}
		if out.Content != "" || len(out.Media) > 0 {
			e.msgBus.PublishOutbound(out)
		}
	default:
		e.log.Warn("cron: unknown delivery_mode", "job", job.Name, "mode", job.DeliveryMode)
		ok = false
	}

	if err := e.store.MarkRan(job.Name, now, ok); err != nil {
		e.log.Warn("cron: failed to mark job ran", "job", job.Name, "error", err)
	}
	if e.OnRun != nil {
		e.OnRun(job.Name, ok, false)
	}
}
