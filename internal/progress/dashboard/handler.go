package dashboard

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/koinelab/trilha/internal/logger"
	progsync "github.com/koinelab/trilha/internal/progress/sync"
)

// TaskData describes one queue task outcome.
type TaskData struct {
	TaskID        string     `json:"task_id"`
	Kind          string     `json:"kind"`
	ModuleID      string     `json:"module_id,omitempty"`
	Attempt       int        `json:"attempt"`
	Error         string     `json:"error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// FullSyncData summarizes a full reconciliation pass.
type FullSyncData struct {
	Downloaded int           `json:"downloaded"`
	Uploaded   int           `json:"uploaded"`
	Merged     int           `json:"merged"`
	Unchanged  int           `json:"unchanged"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Counters tallies events seen since the handler was created.
type Counters struct {
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Abandoned int `json:"abandoned"`
	FullSyncs int `json:"full_syncs"`
}

// Handler turns sync events into dashboard messages. Its OnEvent method is
// meant for progsync.Config.OnEvent.
type Handler struct {
	server *Server
	log    *logger.Logger

	mu       sync.Mutex
	counters Counters
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{server: server, log: log.With("component", "dashboard")}
}

// OnEvent broadcasts ev. It never blocks.
func (h *Handler) OnEvent(ev progsync.Event) {
	var (
		typ  MessageType
		data interface{}
	)

	h.mu.Lock()
	switch ev.Type {
	case progsync.EventTaskDone:
		typ, data = MessageTypeTaskDone, taskData(ev)
		h.counters.Delivered++
	case progsync.EventTaskRetry:
		typ, data = MessageTypeTaskRetry, taskData(ev)
		h.counters.Retried++
	case progsync.EventTaskAbandoned:
		typ, data = MessageTypeTaskAbandoned, taskData(ev)
		h.counters.Abandoned++
	case progsync.EventFullSync:
		typ, data = MessageTypeFullSync, fullSyncData(ev.Result)
		h.counters.FullSyncs++
	default:
		h.mu.Unlock()
		h.log.Debug("ignoring unknown sync event", "type", string(ev.Type))
		return
	}
	h.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		h.log.Warn("failed to marshal event data", "type", string(ev.Type), "error", err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: ev.At, Data: raw})

	if ev.Type == progsync.EventFullSync {
		h.BroadcastStatus(context.Background())
	}
}

// BroadcastStatus sends the current status snapshot to every client.
func (h *Handler) BroadcastStatus(ctx context.Context) {
	if msg, ok := h.server.statusMessage(ctx); ok {
		h.server.Broadcast(msg)
	}
}

// GetCounters returns the event tallies.
func (h *Handler) GetCounters() Counters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}

func taskData(ev progsync.Event) TaskData {
	d := TaskData{
		TaskID:   ev.TaskID,
		Kind:     ev.Kind,
		ModuleID: ev.ModuleID,
		Attempt:  ev.Attempt,
		Error:    ev.Error,
	}
	if !ev.NextAttemptAt.IsZero() {
		t := ev.NextAttemptAt
		d.NextAttemptAt = &t
	}
	return d
}

func fullSyncData(r *progsync.FullSyncResult) FullSyncData {
	if r == nil {
		return FullSyncData{}
	}
	return FullSyncData{
		Downloaded: r.Downloaded,
		Uploaded:   r.Uploaded,
		Merged:     r.Merged,
		Unchanged:  r.Unchanged,
		Failed:     r.Failed,
		Duration:   r.FinishedAt.Sub(r.StartedAt),
	}
}
