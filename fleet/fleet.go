// Package fleet advertises running bot processes in redis so operators can
// see which instances are up and what each one has loaded.
package fleet

import (
	"fmt"
	"sort"
	"time"
)

// Instance describes one running bot process.
type Instance struct {
	ID         string    `json:"id"`
	Hostname   string    `json:"hostname"`
	SessionID  string    `json:"session_id,omitempty"`
	AdminAddr  string    `json:"admin_addr,omitempty"`
	Extensions []string  `json:"extensions"`
	StartedAt  time.Time `json:"started_at"`
	SeenAt     time.Time `json:"seen_at"`
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s@%s", i.ID, i.Hostname)
}

// StateFunc fills the fields of an instance that change while it runs.
// It is called on every heartbeat.
type StateFunc func(inst *Instance)

func sortInstances(instances []*Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].StartedAt.Equal(instances[j].StartedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].StartedAt.Before(instances[j].StartedAt)
	})
}
