package patroni

import (
	"encoding/json"
	"fmt"
	"time"
)

// DCSError indicates the distributed configuration store was unreachable or
// returned a response we could not interpret. One cycle's DCSError never
// escapes the HA loop; the next cycle is an independent attempt.
type DCSError struct {
	Op  string
	Err error
}

func (e *DCSError) Error() string {
	return fmt.Sprintf("dcs %s: %v", e.Op, e.Err)
}

func (e *DCSError) Unwrap() error { return e.Err }

// Member represents one supervisor advertising itself under members/<name>.
// The record is refreshed each HA cycle and expires via TTL when the
// process dies.
type Member struct {
	Index        int64             `json:"-"`
	Name         string            `json:"-"`
	TTL          int               `json:"-"`
	ConnURL      string            `json:"conn_url"`
	APIURL       string            `json:"api_url"`
	XlogLocation uint64            `json:"xlog_location"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// NoFailover reports whether the member advertises the nofailover tag.
func (m *Member) NoFailover() bool {
	if m == nil || m.Tags == nil {
		return false
	}
	v := m.Tags["nofailover"]
	return v == "true" || v == "True"
}

// MarshalData serializes the member record for storage under members/<name>.
func (m *Member) MarshalData() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal member %s: %w", m.Name, err)
	}
	return string(data), nil
}

// UnmarshalMember parses a members/<name> record read from the store.
func UnmarshalMember(index int64, name string, data string) (*Member, error) {
	m := &Member{Index: index, Name: name}
	if err := json.Unmarshal([]byte(data), m); err != nil {
		return nil, fmt.Errorf("failed to parse member %s: %w", name, err)
	}
	return m, nil
}

// Leader represents ownership of the leader key.
type Leader struct {
	Index  int64
	Member *Member
}

// Name returns the leader's member name.
func (l *Leader) Name() string {
	if l == nil || l.Member == nil {
		return ""
	}
	return l.Member.Name
}

// Failover represents an operator-written failover request. Candidate=X
// means "promote X"; Leader=X means "if the current leader is X, step
// down"; both mean a directed handoff. The winner deletes the key upon
// completion, and consumers additionally skip any request whose index is
// not newer than the last one acted upon.
type Failover struct {
	Index     int64  `json:"-"`
	Leader    string `json:"leader,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// UnmarshalFailover parses the failover key's value.
func UnmarshalFailover(index int64, data string) (*Failover, error) {
	f := &Failover{Index: index}
	if err := json.Unmarshal([]byte(data), f); err != nil {
		return nil, fmt.Errorf("failed to parse failover request: %w", err)
	}
	return f, nil
}

// Cluster is an immutable snapshot of the DCS keyspace, produced by one
// atomic read. Initialize is nil until the initialize key is written;
// afterwards it carries the system identifier of the bootstrapped database.
type Cluster struct {
	Initialize *string
	Leader     *Leader
	LastXlog   uint64
	Members    []*Member
	Failover   *Failover
}

// IsUnlocked reports whether no member currently holds the leader key.
func (c *Cluster) IsUnlocked() bool {
	return c == nil || c.Leader == nil || c.Leader.Name() == ""
}

// HasMember reports whether a member with the given name is registered.
func (c *Cluster) HasMember(name string) bool {
	return c.GetMember(name) != nil
}

// GetMember returns the member with the given name, or nil.
func (c *Cluster) GetMember(name string) *Member {
	if c == nil {
		return nil
	}
	for _, m := range c.Members {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// DCS is the capability set the HA core needs from a distributed
// configuration store. All write operations are idempotent under retry:
// callers treat any failure as "did not happen" and re-derive state from
// the next snapshot.
type DCS interface {
	// GetCluster returns the full keyspace as one atomic snapshot.
	GetCluster() (*Cluster, error)

	// TouchMember upserts our own member record with TTL.
	TouchMember(member *Member) bool

	// AttemptToAcquireLeader performs create-if-absent on the leader key.
	AttemptToAcquireLeader(name string) bool

	// UpdateLeader refreshes the lease; fails if the key is missing or
	// owned by someone else.
	UpdateLeader(name string) bool

	// TakeLeader sets the leader key unconditionally. Used immediately
	// after winning the initialize race.
	TakeLeader(name string) bool

	// Initialize writes the initialize key with the database system
	// identifier. With createNew it is a create-if-absent race; without,
	// it overwrites the value after a successful bootstrap.
	Initialize(createNew bool, sysid string) bool

	// CancelInitialization deletes the initialize key.
	CancelInitialization() bool

	// ManualFailover writes the failover request, or clears it when both
	// fields are empty.
	ManualFailover(leader, candidate string) bool

	// DeleteFailover removes the failover key after the request was acted
	// upon.
	DeleteFailover() bool

	// DeleteLeader removes the leader key if owned by name.
	DeleteLeader(name string) bool

	// Watch blocks up to timeout and returns true iff the store signaled a
	// change to any watched key.
	Watch(timeout time.Duration) bool

	// Close releases the client.
	Close() error
}

// NewDCS selects the store driver from the configuration. Variants are
// chosen once at startup; there is no fallback between them at runtime.
func NewDCS(name string, config *Config) (DCS, error) {
	if config.Etcd != nil {
		return NewEtcd(name, config.Etcd)
	}
	if config.Postgres != nil {
		return NewPostgresDCS(name, config.Postgres)
	}
	return nil, fmt.Errorf("can not find suitable configuration of distributed configuration store")
}
