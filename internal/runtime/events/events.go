// Package events names the topics the kernel publishes and the payloads it
// publishes on them. Payloads carry JSON tags so they survive validation,
// mirroring and introspection with the same field names external
// subscribers see.
package events

import "time"

// Wildcard matches every emission.
const Wildcard = "*"

const (
	UnitStarted      = "unit.started"
	UnitStopped      = "unit.stopped"
	UnitError        = "unit.error"
	UnitUnresponsive = "unit.unresponsive"
	UnitHeartbeat    = "unit.heartbeat"
	UnitReady        = "unit.ready"
	UnitInit         = "unit.init"
	UnitOverBudget   = "unit.overbudget"

	SystemReady = "system.ready"

	StorageWarn     = "storage.warn"
	StorageCritical = "storage.critical"

	WorkerError = "worker.error"

	StreamOpened = "stream.opened"
	StreamClosed = "stream.closed"

	MemoryPrune   = "memory.prune"
	LearningPause = "learning.pause"
)

// UnitRef is implemented by payloads that concern a single unit.
type UnitRef interface {
	UnitRef() string
}

type UnitStartedPayload struct {
	UnitID    string    `json:"unitId"`
	Timestamp time.Time `json:"timestamp"`
}

func (p UnitStartedPayload) UnitRef() string { return p.UnitID }

type UnitStoppedPayload struct {
	UnitID    string    `json:"unitId"`
	Timestamp time.Time `json:"timestamp"`
}

func (p UnitStoppedPayload) UnitRef() string { return p.UnitID }

type UnitErrorPayload struct {
	UnitID string `json:"unitId"`
	Error  string `json:"error"`
}

func (p UnitErrorPayload) UnitRef() string { return p.UnitID }

type UnitUnresponsivePayload struct {
	UnitID   string    `json:"unitId"`
	LastSeen time.Time `json:"lastSeen"`
}

func (p UnitUnresponsivePayload) UnitRef() string { return p.UnitID }

// HeartbeatPayload is what units publish on UnitHeartbeat.
type HeartbeatPayload struct {
	UnitID    string    `json:"unitId"`
	Timestamp time.Time `json:"timestamp"`
}

func (p HeartbeatPayload) UnitRef() string { return p.UnitID }

// ReadyPayload is what units publish on UnitReady once their setup is done.
type ReadyPayload struct {
	UnitID string `json:"unitId"`
}

func (p ReadyPayload) UnitRef() string { return p.UnitID }

type InitPayload struct {
	UnitID string `json:"unitId"`
	Config any    `json:"config,omitempty"`
}

func (p InitPayload) UnitRef() string { return p.UnitID }

type OverBudgetPayload struct {
	UnitID         string        `json:"unitId"`
	CPUTime        time.Duration `json:"cpuTime"`
	CPUBudget      time.Duration `json:"cpuBudget"`
	MemoryMB       float64       `json:"memoryMB"`
	MemoryBudgetMB float64       `json:"memoryBudgetMB"`
}

func (p OverBudgetPayload) UnitRef() string { return p.UnitID }

type SystemReadyPayload struct {
	Timestamp time.Time `json:"timestamp"`
	Units     []string  `json:"units"`
}

// StorageAlertPayload is published on StorageWarn and StorageCritical.
type StorageAlertPayload struct {
	Percent float64 `json:"percent"`
	Quota   uint64  `json:"quota"`
	Usage   uint64  `json:"usage"`
}

type WorkerErrorPayload struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type StreamOpenedPayload struct {
	StreamID string `json:"streamId"`
	Topic    string `json:"topic"`
}

type StreamClosedPayload struct {
	StreamID string `json:"streamId"`
}

// Urgency levels carried by MemoryPrunePayload.
const (
	UrgencyWarn     = "warn"
	UrgencyCritical = "critical"
)

type MemoryPrunePayload struct {
	Urgency string `json:"urgency"`
}

type LearningPausePayload struct {
	Reason string `json:"reason"`
}

// UnitIDOf extracts the unit id from a payload. It understands UnitRef
// implementations and maps keyed by "unitId" or "unit_id".
func UnitIDOf(payload any) (string, bool) {
	switch p := payload.(type) {
	case UnitRef:
		id := p.UnitRef()
		return id, id != ""
	case map[string]any:
		for _, key := range []string{"unitId", "unit_id"} {
			if id, ok := p[key].(string); ok && id != "" {
				return id, true
			}
		}
	case map[string]string:
		for _, key := range []string{"unitId", "unit_id"} {
			if id := p[key]; id != "" {
				return id, true
			}
		}
	}
	return "", false
}
