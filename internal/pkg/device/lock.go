package device

import (
	"encoding/json"
	"math"
	"time"
)

type LockStatus string

const (
	LockLocked   LockStatus = "locked"
	LockUnlocked LockStatus = "unlocked"
	LockJammed   LockStatus = "jammed"
	LockUnknown  LockStatus = "unknown"
)

// ParseLockStatus is lenient about vendor spelling, anything unrecognised is unknown
func ParseLockStatus(s string) LockStatus {
	switch s {
	case "locked", "LOCKED", "Locked", "secured", "kAugLockState_Locked":
		return LockLocked
	case "unlocked", "UNLOCKED", "Unlocked", "unsecured", "kAugLockState_Unlocked":
		return LockUnlocked
	case "jammed", "JAMMED", "Jammed", "kAugLockState_Jammed":
		return LockJammed
	}
	return LockUnknown
}

type Operation string

const (
	OperationLock   Operation = "lock"
	OperationUnlock Operation = "unlock"
)

// AccessRecord is one lock or unlock attempt
type AccessRecord struct {
	Time          time.Time `json:"time"`
	Operation     Operation `json:"operation"`
	ActorID       string    `json:"actorId"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failureReason,omitempty"`
}

type LockState struct {
	Status        LockStatus
	Battery       int
	RemoteEnabled bool

	// append-only, see AppendAccess
	history []AccessRecord
}

func (*LockState) Kind() Kind { return KindLock }

func (l *LockState) clone() State {
	c := *l
	c.history = l.History()
	return &c
}

// SetBattery stores the battery level clamped to 0..100
func (l *LockState) SetBattery(level int) {
	l.Battery = clampInt(level, 0, 100)
}

// AppendAccess adds a record to the history. Records cannot be changed once added.
func (l *LockState) AppendAccess(rec AccessRecord) {
	l.history = append(l.history, rec)
}

// InheritHistory replaces the records with those of prev, the copy being
// superseded. A nil prev leaves the history empty. Vendor snapshots never
// carry access records, so the tracked copy's history is the only source.
func (l *LockState) InheritHistory(prev *LockState) {
	if prev == nil {
		l.history = nil
		return
	}
	l.history = prev.History()
}

// History returns a copy of the access history, oldest first
func (l *LockState) History() []AccessRecord {
	if l.history == nil {
		return nil
	}
	out := make([]AccessRecord, len(l.history))
	copy(out, l.history)
	return out
}

type lockJSON struct {
	Status        LockStatus     `json:"status"`
	Battery       int            `json:"battery"`
	RemoteEnabled bool           `json:"remoteEnabled"`
	History       []AccessRecord `json:"history,omitempty"`
}

func (l LockState) MarshalJSON() ([]byte, error) {
	return json.Marshal(lockJSON{
		Status:        l.Status,
		Battery:       l.Battery,
		RemoteEnabled: l.RemoteEnabled,
		History:       l.history,
	})
}

func (l *LockState) UnmarshalJSON(data []byte) error {
	var lj lockJSON
	if err := json.Unmarshal(data, &lj); err != nil {
		return err
	}
	l.Status = lj.Status
	if l.Status == "" {
		l.Status = LockUnknown
	}
	l.SetBattery(lj.Battery)
	l.RemoteEnabled = lj.RemoteEnabled
	l.history = lj.History
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampFloat maps NaN to lo
func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
