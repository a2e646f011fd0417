package patroni

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const etcdRequestTimeout = 5 * time.Second

// Etcd implements the DCS contract on top of etcd v3. The leader and
// member keys are bound to TTL leases; the initialize marker has no lease.
type Etcd struct {
	name    string
	client  *clientv3.Client
	prefix  string
	ttl     int
	watchCh clientv3.WatchChan
	cancel  context.CancelFunc
}

// NewEtcd connects to the configured endpoint and opens the watch stream.
func NewEtcd(name string, config *EtcdConfig) (*Etcd, error) {
	endpoint := fmt.Sprintf("http://%s:%d", config.Host, config.Port)
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: etcdRequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	prefix := path.Join("/service", config.Scope) + "/"
	ctx, cancel := context.WithCancel(context.Background())
	e := &Etcd{
		name:    name,
		client:  client,
		prefix:  prefix,
		ttl:     config.TTL,
		cancel:  cancel,
		watchCh: client.Watch(ctx, prefix, clientv3.WithPrefix()),
	}
	return e, nil
}

func (e *Etcd) key(suffix string) string { return e.prefix + suffix }

// GetCluster reads the whole scope prefix in one request, which etcd
// serves from a single revision.
func (e *Etcd) GetCluster() (*Cluster, error) {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}

	cluster := &Cluster{}
	var leaderName string
	var leaderIndex int64

	for _, kv := range resp.Kvs {
		key := strings.TrimPrefix(string(kv.Key), e.prefix)
		value := string(kv.Value)
		switch {
		case key == "initialize":
			sysid := value
			cluster.Initialize = &sysid
		case key == "leader":
			leaderName = value
			leaderIndex = kv.ModRevision
		case key == "failover":
			failover, err := UnmarshalFailover(kv.ModRevision, value)
			if err != nil {
				log.Printf("Ignoring unparseable failover key: %v", err)
				continue
			}
			cluster.Failover = failover
		case strings.HasPrefix(key, "members/"):
			name := strings.TrimPrefix(key, "members/")
			member, err := UnmarshalMember(kv.ModRevision, name, value)
			if err != nil {
				log.Printf("Ignoring unparseable member %s: %v", name, err)
				continue
			}
			member.TTL = e.ttl
			cluster.Members = append(cluster.Members, member)
		}
	}

	if leaderName != "" {
		member := cluster.GetMember(leaderName)
		if member == nil {
			member = &Member{Index: leaderIndex, Name: leaderName}
		}
		cluster.Leader = &Leader{Index: leaderIndex, Member: member}
		cluster.LastXlog = member.XlogLocation
	}
	return cluster, nil
}

// TouchMember upserts our member record bound to a fresh TTL lease.
func (e *Etcd) TouchMember(member *Member) bool {
	data, err := member.MarshalData()
	if err != nil {
		log.Printf("Failed to serialize member record: %v", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	lease, err := e.client.Grant(ctx, int64(e.ttl))
	if err != nil {
		log.Printf("Failed to grant member lease: %v", err)
		return false
	}
	_, err = e.client.Put(ctx, e.key("members/"+member.Name), data, clientv3.WithLease(lease.ID))
	if err != nil {
		log.Printf("Failed to touch member %s: %v", member.Name, err)
		return false
	}
	return true
}

// AttemptToAcquireLeader creates the leader key only when absent.
func (e *Etcd) AttemptToAcquireLeader(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	lease, err := e.client.Grant(ctx, int64(e.ttl))
	if err != nil {
		log.Printf("Failed to grant leader lease: %v", err)
		return false
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(e.key("leader")), "=", 0)).
		Then(clientv3.OpPut(e.key("leader"), name, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		log.Printf("Failed to acquire leader key: %v", err)
		return false
	}
	return resp.Succeeded
}

// UpdateLeader refreshes the lease, guarded on current ownership.
func (e *Etcd) UpdateLeader(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	lease, err := e.client.Grant(ctx, int64(e.ttl))
	if err != nil {
		log.Printf("Failed to grant leader lease: %v", err)
		return false
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(e.key("leader")), "=", name)).
		Then(clientv3.OpPut(e.key("leader"), name, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		log.Printf("Failed to update leader key: %v", err)
		return false
	}
	return resp.Succeeded
}

// TakeLeader sets the leader key unconditionally.
func (e *Etcd) TakeLeader(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	lease, err := e.client.Grant(ctx, int64(e.ttl))
	if err != nil {
		log.Printf("Failed to grant leader lease: %v", err)
		return false
	}
	if _, err := e.client.Put(ctx, e.key("leader"), name, clientv3.WithLease(lease.ID)); err != nil {
		log.Printf("Failed to take leader key: %v", err)
		return false
	}
	return true
}

// Initialize writes the initialize marker. With createNew the write races
// against other members and loses when the key exists.
func (e *Etcd) Initialize(createNew bool, sysid string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	if !createNew {
		if _, err := e.client.Put(ctx, e.key("initialize"), sysid); err != nil {
			log.Printf("Failed to write initialize key: %v", err)
			return false
		}
		return true
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(e.key("initialize")), "=", 0)).
		Then(clientv3.OpPut(e.key("initialize"), sysid)).
		Commit()
	if err != nil {
		log.Printf("Failed to write initialize key: %v", err)
		return false
	}
	return resp.Succeeded
}

// CancelInitialization removes the initialize marker.
func (e *Etcd) CancelInitialization() bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	if _, err := e.client.Delete(ctx, e.key("initialize")); err != nil {
		log.Printf("Failed to delete initialize key: %v", err)
		return false
	}
	return true
}

// ManualFailover writes the failover request; empty fields clear it.
func (e *Etcd) ManualFailover(leader, candidate string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	if leader == "" && candidate == "" {
		_, err := e.client.Delete(ctx, e.key("failover"))
		if err != nil {
			log.Printf("Failed to clear failover key: %v", err)
			return false
		}
		return true
	}
	data, err := json.Marshal(&Failover{Leader: leader, Candidate: candidate})
	if err != nil {
		log.Printf("Failed to serialize failover request: %v", err)
		return false
	}
	if _, err := e.client.Put(ctx, e.key("failover"), string(data)); err != nil {
		log.Printf("Failed to write failover key: %v", err)
		return false
	}
	return true
}

// DeleteFailover removes a consumed failover request.
func (e *Etcd) DeleteFailover() bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	if _, err := e.client.Delete(ctx, e.key("failover")); err != nil {
		log.Printf("Failed to delete failover key: %v", err)
		return false
	}
	return true
}

// DeleteLeader removes the leader key if still owned by name.
func (e *Etcd) DeleteLeader(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), etcdRequestTimeout)
	defer cancel()

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(e.key("leader")), "=", name)).
		Then(clientv3.OpDelete(e.key("leader"))).
		Commit()
	if err != nil {
		log.Printf("Failed to delete leader key: %v", err)
		return false
	}
	return resp.Succeeded
}

// Watch blocks until a key under the scope changes or the timeout expires.
func (e *Etcd) Watch(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-e.watchCh:
		if !ok {
			// Stream closed; sleep out the interval so the loop keeps
			// its pace. The stream is not reopened, so every later call
			// also just waits out its timeout and reports no change.
			<-timer.C
			return false
		}
		return len(resp.Events) > 0
	case <-timer.C:
		return false
	}
}

// Close cancels the watch stream and releases the client.
func (e *Etcd) Close() error {
	e.cancel()
	return e.client.Close()
}
