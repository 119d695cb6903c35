package domain

import (
	"slices"
	"time"
)

// AgentStatus is an agent's availability.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "ONLINE"
	AgentStatusBusy    AgentStatus = "BUSY"
	AgentStatusOffline AgentStatus = "OFFLINE"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	return s == AgentStatusOnline || s == AgentStatusBusy || s == AgentStatusOffline
}

// Agent models a support agent as seen by the router.
type Agent struct {
	ID             string
	Name           string
	Contact        string
	Tier           Tier
	Status         AgentStatus
	CurrentLoad    int
	MaxCapacity    int
	Specialties    []string
	LastAssignedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasCapacity reports whether one more ticket fits.
func (a *Agent) HasCapacity() bool {
	return a.CurrentLoad < a.MaxCapacity
}

// LoadRatio is current load over capacity; a zero-capacity agent is full.
func (a *Agent) LoadRatio() float64 {
	if a.MaxCapacity <= 0 {
		return 1
	}
	return float64(a.CurrentLoad) / float64(a.MaxCapacity)
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Specialties = slices.Clone(a.Specialties)
	c.LastAssignedAt = clonePtr(a.LastAssignedAt)
	return &c
}
