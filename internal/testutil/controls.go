package testutil

import (
	"context"
	"sync"
	"time"

	"commsgate/internal/models"
)

// Controls is an in-memory control record store.
type Controls struct {
	mu      sync.Mutex
	c       models.AgentControls
	readErr error
}

// NewControls returns a store with comms and jobs enabled and the kill
// switch off.
func NewControls() *Controls {
	return &Controls{c: models.AgentControls{
		CommsEnabled:         true,
		ExternalCommsEnabled: true,
		WriteEnabled:         true,
		JobsEnabled:          true,
	}}
}

func (s *Controls) GetAgentControls(context.Context) (models.AgentControls, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return models.AgentControls{}, s.readErr
	}
	return s.c, nil
}

func (s *Controls) SetKillSwitch(_ context.Context, active bool, reason, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.KillSwitch = active
	s.c.KillSwitchReason = reason
	s.c.KillSwitchActivatedBy = actor
	if active {
		s.c.KillSwitchActivatedAt = &at
	} else {
		s.c.KillSwitchActivatedAt = nil
	}
	return nil
}

// UpdateAgentControls applies the flags set in u.
func (s *Controls) UpdateAgentControls(_ context.Context, u models.ControlsUpdate, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dst, v := range map[*bool]*bool{
		&s.c.CommsEnabled:         u.CommsEnabled,
		&s.c.WriteEnabled:         u.WriteEnabled,
		&s.c.DestructiveEnabled:   u.DestructiveEnabled,
		&s.c.ExternalCommsEnabled: u.ExternalCommsEnabled,
		&s.c.JobsEnabled:          u.JobsEnabled,
	} {
		if v != nil {
			*dst = *v
		}
	}
	return nil
}

// Update applies fn to the record.
func (s *Controls) Update(fn func(c *models.AgentControls)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.c)
}

// FailReads makes GetAgentControls return err. nil restores reads.
func (s *Controls) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}
