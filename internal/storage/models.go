package storage

import "time"

// Job is a row of the job store.
type Job struct {
	JobID string
	// NodeID is empty for far-future jobs not yet assigned to a node.
	NodeID      string
	ScheduledAt time.Time
	// Loaded is set once the owning node has put the job in its ready queue.
	Loaded     bool
	Transacted bool
	Details    []byte
	CreatedAt  time.Time
}

// Route is a pending consumer registered by a waiting process instance.
type Route struct {
	ProcessID    string
	CorrelatorID string
	GroupID      string
	Index        int
	InstanceID   string
	// KeySet is the canonical form of the route's correlation key set pattern.
	KeySet    string
	Policy    string
	Selector  []byte
	CreatedAt time.Time
}

// QueuedMessage is an inbound message exchange waiting in a correlator queue.
type QueuedMessage struct {
	MexID        string
	ProcessID    string
	CorrelatorID string
	KeySet       string
	CreatedAt    time.Time
}

// MexDirection tells which side initiated a message exchange.
type MexDirection string

const (
	// MexMyRole is a partner invoking an operation the process exposes.
	MexMyRole MexDirection = "myrole"
	// MexPartnerRole is the process invoking a partner.
	MexPartnerRole MexDirection = "partnerrole"
)

// MexStatus is the lifecycle state of a message exchange.
type MexStatus string

const (
	MexStatusRequest  MexStatus = "REQUEST"
	MexStatusResponse MexStatus = "RESPONSE"
	MexStatusFault    MexStatus = "FAULT"
	MexStatusFailure  MexStatus = "FAILURE"
)

// MessageExchange records one request/optional-response interaction.
type MessageExchange struct {
	MexID       string
	Direction   MexDirection
	ProcessID   string
	InstanceID  string // empty while unrouted
	PartnerLink string
	Operation   string
	Status      MexStatus
	Request     []byte
	Response    []byte
	Fault       string
	FaultDetail string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InstanceStatus is the state of a process instance.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// ProcessInstance is a row of the process instance store.
type ProcessInstance struct {
	InstanceID    string
	ProcessID     string
	Status        InstanceStatus
	CreatedByMex  string
	LockedBy      string
	LockExpiresAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
