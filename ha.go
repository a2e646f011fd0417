package patroni

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

const probeTimeout = 3 * time.Second

// NodeStatus is the result of probing a peer's REST API. An unreachable
// peer cannot win a leader race and is ignored by the ranking.
type NodeStatus struct {
	Member       *Member
	Reachable    bool
	InRecovery   bool
	XlogLocation uint64
	Tags         map[string]string
}

// NoFailover reports whether the probed peer advertises the nofailover tag.
func (s *NodeStatus) NoFailover() bool {
	v := s.Tags["nofailover"]
	return v == "true" || v == "True"
}

// Ha drives the local database through role transitions so that exactly one
// healthy node holds the leader lease. Each RunCycle observes one atomic
// cluster snapshot; transient errors never escape a cycle.
type Ha struct {
	db       Database
	dcs      DCS
	executor *AsyncExecutor
	config   *Config
	apiURL   string

	mu      sync.Mutex
	cluster *Cluster

	// Highest failover index already acted upon. Requests at or below it
	// were consumed and are skipped even if the key deletion was lost.
	lastFailoverIndex int64

	// fetchNodeStatus probes a peer. Tests replace it.
	fetchNodeStatus func(*Member) NodeStatus

	// exitFunc terminates the process on fatal conditions. Tests replace it.
	exitFunc func(code int)
}

// NewHa wires the decision loop to its collaborators.
func NewHa(config *Config, db Database, dcs DCS) *Ha {
	ha := &Ha{
		db:       db,
		dcs:      dcs,
		executor: NewAsyncExecutor(),
		config:   config,
		apiURL:   fmt.Sprintf("http://%s/", config.RestAPI.ConnectAddress),
		exitFunc: os.Exit,
	}
	client := &http.Client{Timeout: probeTimeout}
	ha.fetchNodeStatus = func(member *Member) NodeStatus {
		return fetchNodeStatus(client, member)
	}
	return ha
}

// Cluster returns the snapshot observed by the most recent cycle.
func (ha *Ha) Cluster() *Cluster {
	ha.mu.Lock()
	defer ha.mu.Unlock()
	return ha.cluster
}

func (ha *Ha) setCluster(c *Cluster) {
	ha.mu.Lock()
	ha.cluster = c
	ha.mu.Unlock()
}

// HasLock reports whether the last observed snapshot names us the leader.
func (ha *Ha) HasLock() bool {
	return ha.hasLock(ha.Cluster())
}

func (ha *Ha) hasLock(c *Cluster) bool {
	return c != nil && !c.IsUnlocked() && c.Leader.Name() == ha.db.Name()
}

func (ha *Ha) nofailover() bool {
	return ha.config.NoFailover()
}

// RunCycle performs one pass of the HA decision tree and returns a
// human-readable status. The first matching rule wins.
func (ha *Ha) RunCycle() string {
	cluster, err := ha.dcs.GetCluster()
	if err != nil {
		log.Printf("Error loading cluster state from DCS: %v", err)
		if ha.db.Role() == RolePrimary {
			ha.demoteSelf()
			return "demoted self because DCS is not accessible and i was a leader"
		}
		return "DCS is not accessible"
	}
	ha.setCluster(cluster)
	ha.touchMember()

	if status := ha.checkSystemID(cluster); status != "" {
		return status
	}

	if ha.db.DataDirectoryEmpty() {
		return ha.bootstrap(cluster)
	}

	if status := ha.processReinitialize(cluster); status != "" {
		return status
	}

	if !ha.executor.Busy() && (!ha.db.IsRunning() || !ha.db.IsHealthy()) {
		return ha.recover(cluster)
	}

	if ha.executor.Busy() {
		return ha.handleLongActionInProgress(cluster)
	}

	if cluster.IsUnlocked() {
		return ha.processUnhealthyCluster(cluster)
	}
	return ha.processHealthyCluster(cluster)
}

// checkSystemID guards against running beside a wrong data directory. A
// mismatch between the cluster's initialize marker and the local system
// identifier is fatal.
func (ha *Ha) checkSystemID(c *Cluster) string {
	if c.Initialize == nil || *c.Initialize == "" {
		return ""
	}
	sysid := ha.db.SysID()
	if sysid == "" || sysid == *c.Initialize {
		return ""
	}
	log.Printf("System ID mismatch: cluster %s, local %s", *c.Initialize, sysid)
	ha.exitFunc(1)
	return "system ID mismatch, shutting down"
}

// bootstrap handles the empty-data-directory paths.
func (ha *Ha) bootstrap(c *Cluster) string {
	if !c.IsUnlocked() {
		if prior := ha.executor.Schedule("bootstrap", false); prior != "" {
			return prior + " in progress"
		}
		cluster := c
		ha.executor.RunAsync(func(ctx context.Context) {
			if err := ha.db.Bootstrap(ctx, cluster); err != nil {
				log.Printf("Failed to bootstrap from leader: %v", err)
			}
		})
		return "trying to bootstrap from leader"
	}

	if c.Initialize == nil {
		if ha.dcs.Initialize(true, "") {
			ha.dcs.TakeLeader(ha.db.Name())
			if prior := ha.executor.Schedule("bootstrap", false); prior != "" {
				return prior + " in progress"
			}
			ha.executor.RunAsync(func(ctx context.Context) {
				if err := ha.db.Bootstrap(ctx, nil); err != nil {
					log.Printf("Failed to bootstrap a new cluster: %v", err)
					ha.dcs.CancelInitialization()
					ha.exitFunc(1)
					return
				}
				ha.dcs.Initialize(false, ha.db.SysID())
			})
			return "initialized a new cluster"
		}
		return "failed to acquire initialize lock"
	}

	if ha.db.CanCreateReplicaWithoutLeader() {
		if prior := ha.executor.Schedule("bootstrap", false); prior != "" {
			return prior + " in progress"
		}
		ha.executor.RunAsync(func(ctx context.Context) {
			if err := ha.db.Bootstrap(ctx, nil); err != nil {
				log.Printf("Failed to bootstrap without leader: %v", err)
			}
		})
		return "trying to bootstrap without leader"
	}
	return "waiting for leader to bootstrap"
}

// processReinitialize consumes a scheduled reinitialize. It is honored
// only on a replica that does not hold the lease.
func (ha *Ha) processReinitialize(c *Cluster) string {
	if ha.executor.ScheduledAction() != "reinitialize" || ha.executor.Running() {
		return ""
	}
	if ha.hasLock(c) || ha.db.Role() != RoleReplica {
		log.Printf("Dropping reinitialize: node holds the lease or is not a replica")
		ha.executor.Reset()
		return ""
	}
	ha.executor.RunAsync(func(ctx context.Context) {
		if err := ha.db.Stop(ctx, false); err != nil {
			log.Printf("Failed to stop postgres for reinitialize: %v", err)
			return
		}
		if err := ha.db.RemoveDataDirectory(); err != nil {
			log.Printf("Failed to remove data directory: %v", err)
		}
	})
	return "reinitialize started"
}

// recover starts the database after a crash or health loss, in whatever
// role its data directory is set up for. Holding the lease changes the
// reported status, and on failure the lease is released; the server is not
// started read-only.
func (ha *Ha) recover(c *Cluster) string {
	if prior := ha.executor.Schedule("recover", true); prior != "" {
		return prior + " in progress"
	}
	defer ha.executor.Reset()

	hadLock := ha.hasLock(c)
	ctx := context.Background()
	var err error
	if ha.db.IsRunning() {
		err = ha.db.Restart(ctx)
	} else {
		err = ha.db.Start(ctx)
	}
	if err != nil || !ha.db.IsRunning() {
		if err != nil {
			log.Printf("Failed to start postgres: %v", err)
		}
		if hadLock && ha.dcs.DeleteLeader(ha.db.Name()) {
			return "removed leader key after trying and failing to start postgres"
		}
		return "failed to start postgres"
	}
	if hadLock {
		return "started as readonly because i had the session lock"
	}
	return "started as a secondary"
}

// handleLongActionInProgress reports the busy executor, still refreshing
// the lease when we hold it.
func (ha *Ha) handleLongActionInProgress(c *Cluster) string {
	action := ha.executor.ScheduledAction()
	if ha.hasLock(c) {
		if ha.dcs.UpdateLeader(ha.db.Name()) {
			return "updated leader lock during " + action
		}
		return "failed to update leader lock during " + action
	}
	if c.IsUnlocked() {
		return "not healthy enough for leader race"
	}
	return action + " in progress"
}

// processUnhealthyCluster races for the vacant leader key.
func (ha *Ha) processUnhealthyCluster(c *Cluster) string {
	if ha.isHealthiestNode(c) {
		if ha.dcs.AttemptToAcquireLeader(ha.db.Name()) {
			ha.consumeFailover(c)
			if ha.db.IsLeader() {
				return "acquired session lock as a leader"
			}
			if err := ha.db.Promote(context.Background()); err != nil {
				log.Printf("Failed to promote after acquiring session lock: %v", err)
			}
			return "promoted self to leader by acquiring session lock"
		}
		if ha.db.IsLeader() {
			ha.demoteSelf()
			return "demoted self after trying and failing to obtain lock"
		}
		return "following new leader after trying and failing to obtain lock"
	}

	if ha.db.IsLeader() {
		ha.demoteSelf()
		return "demoting self because i am not the healthiest node"
	}
	if ha.nofailover() {
		return "following a different leader because I am not allowed to promote"
	}
	return "following a different leader because i am not the healthiest node"
}

// processHealthyCluster reacts to a cluster that already has a leader.
func (ha *Ha) processHealthyCluster(c *Cluster) string {
	if ha.hasLock(c) {
		if status := ha.processManualFailoverFromLeader(c); status != "" {
			return status
		}
		if !ha.dcs.UpdateLeader(ha.db.Name()) {
			ha.demoteSelf()
			return "demoting self because i do not have the lock and i was a leader"
		}
		if !ha.db.IsLeader() {
			if err := ha.db.Promote(context.Background()); err != nil {
				log.Printf("Failed to promote while holding the session lock: %v", err)
			}
			return "promoted self to leader because i had the session lock"
		}
		return "no action.  i am the leader with the lock"
	}

	if ha.db.IsLeader() {
		ha.demoteSelf()
		return "demoting self because i do not have the lock and i was a leader"
	}
	return ha.follow(c)
}

// processManualFailoverFromLeader steps the current leader down when an
// operator requested a handoff and a viable target exists.
func (ha *Ha) processManualFailoverFromLeader(c *Cluster) string {
	f := c.Failover
	if f == nil || f.Index <= ha.lastFailoverIndex {
		return ""
	}
	name := ha.db.Name()
	if f.Leader != "" && f.Leader != name {
		return ""
	}
	if f.Leader == "" && f.Candidate == "" {
		return ""
	}
	if f.Candidate == name {
		return ""
	}

	var candidates []*Member
	if f.Candidate != "" {
		if m := c.GetMember(f.Candidate); m != nil {
			candidates = append(candidates, m)
		}
	} else {
		for _, m := range c.Members {
			if m.Name != name {
				candidates = append(candidates, m)
			}
		}
	}

	for _, m := range candidates {
		status := ha.fetchNodeStatus(m)
		if status.Reachable && status.InRecovery && !status.NoFailover() {
			ha.lastFailoverIndex = f.Index
			ha.dcs.DeleteFailover()
			ha.demoteSelf()
			return "manual failover: demoting myself"
		}
	}
	return ""
}

// consumeFailover marks the pending request as acted upon and deletes it.
func (ha *Ha) consumeFailover(c *Cluster) {
	if c.Failover == nil {
		return
	}
	ha.lastFailoverIndex = c.Failover.Index
	ha.dcs.DeleteFailover()
}

// isHealthiestNode decides whether this node should win the leader race.
func (ha *Ha) isHealthiestNode(c *Cluster) bool {
	if ha.nofailover() {
		return false
	}
	if !ha.db.CheckReplicationLag(c.LastXlog) {
		return false
	}
	if f := c.Failover; f != nil && f.Index > ha.lastFailoverIndex {
		return ha.isFailoverCandidate(c, f)
	}
	return ha.isHealthiestAmong(c.Members)
}

// isFailoverCandidate applies a pending failover request to the race.
func (ha *Ha) isFailoverCandidate(c *Cluster, f *Failover) bool {
	name := ha.db.Name()
	if f.Candidate != "" {
		if f.Candidate == name {
			return true
		}
		if m := c.GetMember(f.Candidate); m != nil {
			status := ha.fetchNodeStatus(m)
			if status.Reachable && status.InRecovery && !status.NoFailover() {
				// The designated candidate is viable; leave the race to it.
				return false
			}
		}
		// The designated candidate cannot serve; fall back to a normal race.
		return ha.isHealthiestAmong(c.Members)
	}

	// A bare from-member request asks the named node to step aside.
	if f.Leader == name {
		for _, m := range c.Members {
			if m.Name == name || m.APIURL == "" {
				continue
			}
			status := ha.fetchNodeStatus(m)
			if status.Reachable && status.InRecovery && !status.NoFailover() {
				return false
			}
		}
	}
	return ha.isHealthiestAmong(c.Members)
}

// isHealthiestAmong ranks this node against every reachable peer that is
// in recovery. Unreachable peers cannot win the race and are ignored; a
// reachable peer that is not in recovery is an active primary and always
// outranks us.
func (ha *Ha) isHealthiestAmong(members []*Member) bool {
	if ha.db.IsLeader() {
		return true
	}
	name := ha.db.Name()
	position := ha.db.XlogPosition()
	for _, m := range members {
		if m.Name == name || m.APIURL == "" {
			continue
		}
		status := ha.fetchNodeStatus(m)
		if !status.Reachable || status.NoFailover() {
			continue
		}
		if !status.InRecovery {
			return false
		}
		if status.XlogLocation > position {
			return false
		}
		if status.XlogLocation == position && m.Name < name {
			return false
		}
	}
	return true
}

// follow keeps a secondary pointed at the right upstream: the
// replicatefrom peer when that tag names a healthy member, else the
// current leader.
func (ha *Ha) follow(c *Cluster) string {
	target := c.Leader.Member
	if rf := ha.config.ReplicateFrom(); rf != "" && rf != ha.db.Name() {
		if m := c.GetMember(rf); m != nil {
			if status := ha.fetchNodeStatus(m); status.Reachable {
				target = m
			}
		}
	}
	if !ha.db.CheckRecoveryConf(target) {
		if prior := ha.executor.Schedule("follow", true); prior == "" {
			member := target
			ha.executor.RunAsync(func(ctx context.Context) {
				if err := ha.db.FollowTheLeader(ctx, member); err != nil {
					log.Printf("Failed to follow the leader: %v", err)
				}
			})
		}
	}
	return "no action.  i am a secondary and i am following a leader"
}

// demoteSelf turns a primary back into a replica off the control loop.
func (ha *Ha) demoteSelf() {
	if prior := ha.executor.Schedule("demote", false); prior != "" {
		log.Printf("Can not demote: %s in progress", prior)
		return
	}
	ha.executor.RunAsync(func(ctx context.Context) {
		if err := ha.db.Demote(ctx); err != nil {
			log.Printf("Failed to demote: %v", err)
		}
	})
}

// touchMember refreshes members/<name> with the current connection URL,
// API URL, tags and xlog position. Failures are logged, never fatal.
func (ha *Ha) touchMember() {
	member := &Member{
		Name:         ha.db.Name(),
		ConnURL:      ha.db.ConnectionString(),
		APIURL:       ha.apiURL,
		XlogLocation: ha.db.XlogPosition(),
		Tags:         ha.config.Tags,
	}
	if !ha.dcs.TouchMember(member) {
		log.Printf("Failed to touch member %s", member.Name)
	}
}

// Restart restarts the database on operator request. It competes with the
// executor slot so it cannot interleave with another long action.
func (ha *Ha) Restart() (bool, string) {
	if prior := ha.executor.Schedule("restart", false); prior != "" {
		return false, prior + " already in progress"
	}
	defer ha.executor.Reset()
	if err := ha.db.Restart(context.Background()); err != nil {
		log.Printf("Restart failed: %v", err)
		return false, "restart failed"
	}
	return true, "restarted successfully"
}

// RestartScheduled reports whether a restart occupies the executor slot.
func (ha *Ha) RestartScheduled() bool {
	return ha.executor.ScheduledAction() == "restart"
}

// ScheduleReinitialize queues a reinitialize for the next cycle. It
// returns false when another action occupies the slot.
func (ha *Ha) ScheduleReinitialize() bool {
	return ha.executor.Schedule("reinitialize", false) == ""
}

// Shutdown releases the lease and stops the database, fastest path first.
func (ha *Ha) Shutdown() {
	ha.executor.Cancel()
	if err := ha.db.Stop(context.Background(), false); err != nil {
		log.Printf("Failed to stop postgres on shutdown: %v", err)
	}
	ha.dcs.DeleteLeader(ha.db.Name())
}

// fetchNodeStatus probes a peer's REST API. Anything but a 200 with a
// parseable body makes the peer unreachable for this cycle only.
func fetchNodeStatus(client *http.Client, member *Member) NodeStatus {
	status := NodeStatus{Member: member}
	if member.APIURL == "" {
		return status
	}
	req, err := http.NewRequest(http.MethodGet, member.APIURL, nil)
	if err != nil {
		return status
	}
	resp, err := client.Do(req)
	if err != nil {
		return status
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status
	}

	var body struct {
		State string `json:"state"`
		Role  string `json:"role"`
		Xlog  struct {
			Location         uint64 `json:"location"`
			ReceivedLocation uint64 `json:"received_location"`
		} `json:"xlog"`
		Tags map[string]string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return status
	}

	status.Reachable = true
	status.InRecovery = body.Role != RolePrimary && body.Role != "master"
	status.XlogLocation = body.Xlog.Location
	if body.Xlog.ReceivedLocation > status.XlogLocation {
		status.XlogLocation = body.Xlog.ReceivedLocation
	}
	status.Tags = body.Tags
	return status
}
