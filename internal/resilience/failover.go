package resilience

import (
	"time"

	"github.com/smilit/proxycast-sub002/internal/credentials"
)

// SwitchEvent records one credential rotation.
type SwitchEvent struct {
	From    string
	To      string
	Failure FailureType
	At      time.Time
}

// FailoverManager is a per-request cursor over the shared credential list.
// It is not safe for concurrent use; each call gets its own.
type FailoverManager struct {
	creds  []credentials.Credential
	cur    int
	failed map[string]FailureType
	log    []SwitchEvent
}

// NewFailoverManager starts at the first credential.
func NewFailoverManager(creds []credentials.Credential) *FailoverManager {
	return &FailoverManager{
		creds:  creds,
		failed: make(map[string]FailureType),
	}
}

// Current returns the credential in use.
func (f *FailoverManager) Current() credentials.Credential {
	return f.creds[f.cur]
}

// Index returns the position of the current credential.
func (f *FailoverManager) Index() int {
	return f.cur
}

// Len returns the number of credentials.
func (f *FailoverManager) Len() int {
	return len(f.creds)
}

// Switch marks the current credential failed and advances to the next
// untried one. It reports false when none is left.
func (f *FailoverManager) Switch(failure FailureType, at time.Time) (SwitchEvent, bool) {
	from := f.creds[f.cur]
	f.failed[from.ID] = failure
	for i := f.cur + 1; i < len(f.creds); i++ {
		if _, tried := f.failed[f.creds[i].ID]; tried {
			continue
		}
		f.cur = i
		ev := SwitchEvent{From: from.ID, To: f.creds[i].ID, Failure: failure, At: at}
		f.log = append(f.log, ev)
		return ev, true
	}
	return SwitchEvent{}, false
}

// Failed reports whether a credential has been switched away from.
func (f *FailoverManager) Failed(id string) bool {
	_, ok := f.failed[id]
	return ok
}

// SwitchLog returns the rotations so far, oldest first.
func (f *FailoverManager) SwitchLog() []SwitchEvent {
	return append([]SwitchEvent(nil), f.log...)
}
