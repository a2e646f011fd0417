package patroni

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// PostgresDCS implements the DCS contract on a shared PostgreSQL instance.
// TTL semantics come from expires_at columns checked against the server
// clock, so supervisors do not need synchronized clocks among themselves.
// Revisions come from one global sequence bumped on every write.
type PostgresDCS struct {
	name     string
	scope    string
	ttl      int
	db       *sql.DB
	listener *pq.Listener
}

// NewPostgresDCS connects to the coordination database and prepares the
// schema and notification listener.
func NewPostgresDCS(name string, config *PostgresConfig) (*PostgresDCS, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
		config.Host, config.Port, config.Username, config.Password, config.Database)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordination database: %w", err)
	}
	db.SetMaxOpenConns(3)

	d := &PostgresDCS{
		name:  name,
		scope: config.Scope,
		ttl:   config.TTL,
		db:    db,
	}
	if err := d.initTables(); err != nil {
		return nil, err
	}

	d.listener = pq.NewListener(dsn, time.Second, time.Minute, nil)
	if err := d.listener.Listen("ha_events"); err != nil {
		log.Printf("Failed to listen for coordination events: %v", err)
	}
	return d, nil
}

// initTables creates the coordination schema.
func (d *PostgresDCS) initTables() error {
	queries := []string{
		`CREATE SEQUENCE IF NOT EXISTS ha_index_seq`,

		`CREATE TABLE IF NOT EXISTS ha_leader (
			scope VARCHAR(255) PRIMARY KEY,
			leader_name VARCHAR(255) NOT NULL,
			acquired_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP NOT NULL,
			idx BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ha_initialize (
			scope VARCHAR(255) PRIMARY KEY,
			sysid VARCHAR(255) NOT NULL,
			idx BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ha_failover (
			scope VARCHAR(255) PRIMARY KEY,
			from_member VARCHAR(255) NOT NULL DEFAULT '',
			to_member VARCHAR(255) NOT NULL DEFAULT '',
			idx BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ha_members (
			scope VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			data JSONB NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			idx BIGINT NOT NULL,
			PRIMARY KEY (scope, name)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_ha_members_expires ON ha_members(expires_at)`,
	}
	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to initialize coordination tables: %w", err)
		}
	}
	return nil
}

// notify signals watchers in other supervisors after a successful write.
func (d *PostgresDCS) notify() {
	if _, err := d.db.Exec(`SELECT pg_notify('ha_events', $1)`, d.scope); err != nil {
		log.Printf("Failed to notify coordination change: %v", err)
	}
}

// GetCluster reads every table inside one repeatable-read transaction.
func (d *PostgresDCS) GetCluster() (*Cluster, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`SET TRANSACTION ISOLATION LEVEL REPEATABLE READ READ ONLY`); err != nil {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}

	cluster := &Cluster{}

	var sysid string
	var initIdx int64
	err = tx.QueryRow(`SELECT sysid, idx FROM ha_initialize WHERE scope = $1`, d.scope).Scan(&sysid, &initIdx)
	if err == nil {
		cluster.Initialize = &sysid
	} else if err != sql.ErrNoRows {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}

	rows, err := tx.Query(`
		SELECT name, data, idx FROM ha_members
		WHERE scope = $1 AND expires_at > CURRENT_TIMESTAMP
		ORDER BY name`, d.scope)
	if err != nil {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var name, data string
		var idx int64
		if err := rows.Scan(&name, &data, &idx); err != nil {
			return nil, &DCSError{Op: "get cluster", Err: err}
		}
		member, err := UnmarshalMember(idx, name, data)
		if err != nil {
			log.Printf("Ignoring unparseable member %s: %v", name, err)
			continue
		}
		member.TTL = d.ttl
		cluster.Members = append(cluster.Members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}

	var leaderName string
	var leaderIdx int64
	err = tx.QueryRow(`
		SELECT leader_name, idx FROM ha_leader
		WHERE scope = $1 AND expires_at > CURRENT_TIMESTAMP`, d.scope).Scan(&leaderName, &leaderIdx)
	if err == nil {
		member := cluster.GetMember(leaderName)
		if member == nil {
			member = &Member{Index: leaderIdx, Name: leaderName}
		}
		cluster.Leader = &Leader{Index: leaderIdx, Member: member}
		cluster.LastXlog = member.XlogLocation
	} else if err != sql.ErrNoRows {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}

	var fromMember, toMember string
	var failoverIdx int64
	err = tx.QueryRow(`
		SELECT from_member, to_member, idx FROM ha_failover
		WHERE scope = $1`, d.scope).Scan(&fromMember, &toMember, &failoverIdx)
	if err == nil {
		cluster.Failover = &Failover{Index: failoverIdx, Leader: fromMember, Candidate: toMember}
	} else if err != sql.ErrNoRows {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &DCSError{Op: "get cluster", Err: err}
	}
	return cluster, nil
}

// TouchMember upserts our member record with a fresh TTL.
func (d *PostgresDCS) TouchMember(member *Member) bool {
	data, err := member.MarshalData()
	if err != nil {
		log.Printf("Failed to serialize member record: %v", err)
		return false
	}
	query := fmt.Sprintf(`
		INSERT INTO ha_members (scope, name, data, expires_at, idx)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP + INTERVAL '%d seconds', nextval('ha_index_seq'))
		ON CONFLICT (scope, name) DO UPDATE SET
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at,
			idx = EXCLUDED.idx`, d.ttl)
	if _, err := d.db.Exec(query, d.scope, member.Name, data); err != nil {
		log.Printf("Failed to touch member %s: %v", member.Name, err)
		return false
	}
	return true
}

// AttemptToAcquireLeader claims the lease only when absent or expired.
func (d *PostgresDCS) AttemptToAcquireLeader(name string) bool {
	query := fmt.Sprintf(`
		INSERT INTO ha_leader (scope, leader_name, acquired_at, expires_at, idx)
		VALUES ($1, $2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP + INTERVAL '%d seconds', nextval('ha_index_seq'))
		ON CONFLICT (scope) DO UPDATE SET
			leader_name = EXCLUDED.leader_name,
			acquired_at = CURRENT_TIMESTAMP,
			expires_at = EXCLUDED.expires_at,
			idx = EXCLUDED.idx
		WHERE ha_leader.expires_at <= CURRENT_TIMESTAMP`, d.ttl)
	result, err := d.db.Exec(query, d.scope, name)
	if err != nil {
		log.Printf("Failed to acquire leader lease: %v", err)
		return false
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		d.notify()
		return true
	}
	return false
}

// UpdateLeader refreshes the lease, guarded on current ownership.
func (d *PostgresDCS) UpdateLeader(name string) bool {
	query := fmt.Sprintf(`
		UPDATE ha_leader
		SET expires_at = CURRENT_TIMESTAMP + INTERVAL '%d seconds',
			idx = nextval('ha_index_seq')
		WHERE scope = $1 AND leader_name = $2`, d.ttl)
	result, err := d.db.Exec(query, d.scope, name)
	if err != nil {
		log.Printf("Failed to renew leader lease: %v", err)
		return false
	}
	rows, _ := result.RowsAffected()
	return rows > 0
}

// TakeLeader sets the lease unconditionally.
func (d *PostgresDCS) TakeLeader(name string) bool {
	query := fmt.Sprintf(`
		INSERT INTO ha_leader (scope, leader_name, acquired_at, expires_at, idx)
		VALUES ($1, $2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP + INTERVAL '%d seconds', nextval('ha_index_seq'))
		ON CONFLICT (scope) DO UPDATE SET
			leader_name = EXCLUDED.leader_name,
			acquired_at = CURRENT_TIMESTAMP,
			expires_at = EXCLUDED.expires_at,
			idx = EXCLUDED.idx`, d.ttl)
	if _, err := d.db.Exec(query, d.scope, name); err != nil {
		log.Printf("Failed to take leader lease: %v", err)
		return false
	}
	d.notify()
	return true
}

// Initialize writes the marker. With createNew the write races against
// other members and loses when a row exists.
func (d *PostgresDCS) Initialize(createNew bool, sysid string) bool {
	conflict := `DO UPDATE SET sysid = EXCLUDED.sysid, idx = EXCLUDED.idx`
	if createNew {
		conflict = `DO NOTHING`
	}
	result, err := d.db.Exec(`
		INSERT INTO ha_initialize (scope, sysid, idx)
		VALUES ($1, $2, nextval('ha_index_seq'))
		ON CONFLICT (scope) `+conflict, d.scope, sysid)
	if err != nil {
		log.Printf("Failed to write initialize marker: %v", err)
		return false
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		d.notify()
		return true
	}
	return false
}

// CancelInitialization deletes the marker.
func (d *PostgresDCS) CancelInitialization() bool {
	if _, err := d.db.Exec(`DELETE FROM ha_initialize WHERE scope = $1`, d.scope); err != nil {
		log.Printf("Failed to delete initialize marker: %v", err)
		return false
	}
	d.notify()
	return true
}

// ManualFailover writes the failover request; empty fields clear it.
func (d *PostgresDCS) ManualFailover(leader, candidate string) bool {
	if leader == "" && candidate == "" {
		return d.DeleteFailover()
	}
	_, err := d.db.Exec(`
		INSERT INTO ha_failover (scope, from_member, to_member, idx)
		VALUES ($1, $2, $3, nextval('ha_index_seq'))
		ON CONFLICT (scope) DO UPDATE SET
			from_member = EXCLUDED.from_member,
			to_member = EXCLUDED.to_member,
			idx = EXCLUDED.idx`, d.scope, leader, candidate)
	if err != nil {
		log.Printf("Failed to write failover request: %v", err)
		return false
	}
	d.notify()
	return true
}

// DeleteFailover removes a consumed failover request.
func (d *PostgresDCS) DeleteFailover() bool {
	if _, err := d.db.Exec(`DELETE FROM ha_failover WHERE scope = $1`, d.scope); err != nil {
		log.Printf("Failed to delete failover request: %v", err)
		return false
	}
	d.notify()
	return true
}

// DeleteLeader removes the lease if still owned by name.
func (d *PostgresDCS) DeleteLeader(name string) bool {
	result, err := d.db.Exec(`
		DELETE FROM ha_leader WHERE scope = $1 AND leader_name = $2`, d.scope, name)
	if err != nil {
		log.Printf("Failed to delete leader lease: %v", err)
		return false
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		d.notify()
		return true
	}
	return false
}

// Watch blocks on the notification channel until a change in our scope or
// the timeout.
func (d *PostgresDCS) Watch(timeout time.Duration) bool {
	if d.listener == nil {
		time.Sleep(timeout)
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case n := <-d.listener.Notify:
			if n != nil && n.Extra == d.scope {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

// Close releases the listener and the connection pool.
func (d *PostgresDCS) Close() error {
	if d.listener != nil {
		d.listener.Close()
	}
	return d.db.Close()
}
