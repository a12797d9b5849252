// Package store persists the minimal state the gateway needs to reconcile
// managed instances and backend sessions across restarts. The schema is a
// stable contract: the reconciler reads it on boot to decide which
// containers to re-adopt and which secret directories to clean up.
package store

import (
	"context"
	"time"
)

// InstanceRecord is the persisted view of one managed instance.
type InstanceRecord struct {
	DefinitionID string
	ContainerID  string
	SecretDir    string
	State        string
	UpdatedAt    time.Time
}

// SessionRecord is the persisted view of one backend session.
type SessionRecord struct {
	DefinitionID string
	SessionToken string
	LastUsed     time.Time
}

// Store is the persistence contract. Implementations must make every
// write idempotent (upsert semantics) since reconciliation replays state.
type Store interface {
	SaveInstance(ctx context.Context, rec InstanceRecord) error
	DeleteInstance(ctx context.Context, definitionID string) error
	ListInstances(ctx context.Context) ([]InstanceRecord, error)

	SaveSession(ctx context.Context, rec SessionRecord) error
	DeleteSession(ctx context.Context, definitionID string) error
	ListSessions(ctx context.Context) ([]SessionRecord, error)

	Close()
}
