package patroni

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
)

// Database roles as reported by Role().
const (
	RolePrimary       = "primary"
	RoleReplica       = "replica"
	RoleUninitialized = "uninitialized"
)

// PostgresError indicates a failed database operation. Bootstrap failures
// additionally cancel the initialize marker.
type PostgresError struct {
	Op  string
	Err error
}

func (e *PostgresError) Error() string {
	return fmt.Sprintf("postgresql %s: %v", e.Op, e.Err)
}

func (e *PostgresError) Unwrap() error { return e.Err }

// Database is the adapter contract the HA core depends on. Transitions may
// be long-running and are invoked through the async executor.
type Database interface {
	Name() string
	ConnectionString() string
	SysID() string

	IsRunning() bool
	IsHealthy() bool
	IsLeader() bool
	Role() string

	XlogPosition() uint64
	LastOperation() uint64
	CheckReplicationLag(lastLeaderOperation uint64) bool

	Bootstrap(ctx context.Context, cluster *Cluster) error
	FollowTheLeader(ctx context.Context, leader *Member) error
	Promote(ctx context.Context) error
	Demote(ctx context.Context) error
	Start(ctx context.Context) error
	Restart(ctx context.Context) error
	Stop(ctx context.Context, checkpoint bool) error

	Controldata() map[string]string
	DataDirectoryEmpty() bool
	RemoveDataDirectory() error
	CanCreateReplicaWithoutLeader() bool
	CheckRecoveryConf(leader *Member) bool
}

// ProcessRunner starts and stops the database server process. The local
// runner shells out to pg_ctl; the docker runner drives a container.
type ProcessRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, fast bool) error
	Restart(ctx context.Context) error
	IsRunning() bool
}

// Postgresql is the concrete adapter supervising one local PostgreSQL
// instance.
type Postgresql struct {
	name           string
	dataDir        string
	binDir         string
	listen         string
	connectAddress string
	maximumLag     uint64
	superuser      Credentials
	replication    Credentials

	runner ProcessRunner

	mu   sync.Mutex
	role string
	db   *sql.DB
}

// NewPostgresql creates the adapter from configuration.
func NewPostgresql(config *PostgresqlConfig) (*Postgresql, error) {
	p := &Postgresql{
		name:           config.Name,
		dataDir:        config.DataDir,
		binDir:         config.BinDir,
		listen:         config.Listen,
		connectAddress: config.ConnectAddress,
		maximumLag:     config.MaximumLagOnFailover,
		superuser:      config.Superuser,
		replication:    config.Replication,
	}
	if p.connectAddress == "" {
		p.connectAddress = config.Listen
	}

	if config.Docker != nil {
		runner, err := NewDockerRunner(config.Docker, config.DataDir)
		if err != nil {
			return nil, err
		}
		p.runner = runner
	} else {
		p.runner = &localRunner{binDir: config.BinDir, dataDir: config.DataDir}
	}

	if p.DataDirectoryEmpty() {
		p.role = RoleUninitialized
	} else {
		p.role = RoleReplica
	}
	return p, nil
}

// Name returns the member name this instance advertises.
func (p *Postgresql) Name() string { return p.name }

// ConnectionString returns the URL replicas use to reach this instance.
func (p *Postgresql) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s/postgres",
		p.replication.Username, p.replication.Password, p.connectAddress)
}

// SysID returns the database system identifier from the control file.
func (p *Postgresql) SysID() string {
	return p.Controldata()["Database system identifier"]
}

// Role returns primary, replica or uninitialized.
func (p *Postgresql) Role() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *Postgresql) setRole(role string) {
	p.mu.Lock()
	p.role = role
	p.mu.Unlock()
}

// IsRunning reports whether the server process is alive.
func (p *Postgresql) IsRunning() bool {
	return p.runner.IsRunning()
}

// IsHealthy reports whether the server is alive and accepting connections.
func (p *Postgresql) IsHealthy() bool {
	if !p.IsRunning() {
		return false
	}
	db, err := p.connection()
	if err != nil {
		return false
	}
	return db.Ping() == nil
}

// IsLeader reports whether the server is out of recovery.
func (p *Postgresql) IsLeader() bool {
	var inRecovery bool
	if err := p.queryRow("SELECT pg_is_in_recovery()", &inRecovery); err != nil {
		return false
	}
	return !inRecovery
}

// XlogPosition returns the current write-ahead log offset, used to rank
// replica freshness. Zero when the server is unreachable.
func (p *Postgresql) XlogPosition() uint64 {
	var lsn string
	if err := p.queryRow("SELECT COALESCE(pg_last_wal_replay_lsn(), pg_current_wal_lsn())::text", &lsn); err != nil {
		return 0
	}
	pos, err := ParseLSN(lsn)
	if err != nil {
		return 0
	}
	return pos
}

// LastOperation returns the newest log offset this instance knows of.
func (p *Postgresql) LastOperation() uint64 {
	if p.IsLeader() {
		var lsn string
		if err := p.queryRow("SELECT pg_current_wal_lsn()::text", &lsn); err != nil {
			return 0
		}
		pos, _ := ParseLSN(lsn)
		return pos
	}
	return p.XlogPosition()
}

// CheckReplicationLag reports whether this instance is close enough to the
// leader's last known position to be eligible for promotion.
func (p *Postgresql) CheckReplicationLag(lastLeaderOperation uint64) bool {
	position := p.XlogPosition()
	if lastLeaderOperation <= position {
		return true
	}
	return lastLeaderOperation-position <= p.maximumLag
}

// Start brings the server up in its current on-disk role.
func (p *Postgresql) Start(ctx context.Context) error {
	if p.IsRunning() {
		return nil
	}
	if err := p.runner.Start(ctx); err != nil {
		return &PostgresError{Op: "start", Err: err}
	}
	if p.recoveryConfExists() {
		p.setRole(RoleReplica)
	} else {
		p.setRole(RolePrimary)
	}
	return nil
}

// Stop shuts the server down. Without checkpoint the fastest mode is used.
func (p *Postgresql) Stop(ctx context.Context, checkpoint bool) error {
	p.closeConnection()
	if !p.IsRunning() {
		return nil
	}
	if err := p.runner.Stop(ctx, !checkpoint); err != nil {
		return &PostgresError{Op: "stop", Err: err}
	}
	return nil
}

// Restart stops and starts the server.
func (p *Postgresql) Restart(ctx context.Context) error {
	p.closeConnection()
	if err := p.runner.Restart(ctx); err != nil {
		return &PostgresError{Op: "restart", Err: err}
	}
	return nil
}

// Promote takes the server out of recovery and makes it the primary.
func (p *Postgresql) Promote(ctx context.Context) error {
	var promoted bool
	if err := p.queryRow("SELECT pg_promote(true, 60)", &promoted); err != nil || !promoted {
		if err == nil {
			err = fmt.Errorf("pg_promote returned false")
		}
		return &PostgresError{Op: "promote", Err: err}
	}
	p.removeRecoveryConf()
	p.setRole(RolePrimary)
	log.Printf("Promoted %s to primary", p.name)
	return nil
}

// Demote turns a primary back into a replica by restarting it in recovery.
func (p *Postgresql) Demote(ctx context.Context) error {
	if err := p.writeRecoveryConf(nil); err != nil {
		return err
	}
	if err := p.Restart(ctx); err != nil {
		return err
	}
	p.setRole(RoleReplica)
	log.Printf("Demoted %s to replica", p.name)
	return nil
}

// FollowTheLeader points recovery at the given leader and restarts if the
// target changed.
func (p *Postgresql) FollowTheLeader(ctx context.Context, leader *Member) error {
	if leader != nil && p.CheckRecoveryConf(leader) {
		return nil
	}
	if err := p.writeRecoveryConf(leader); err != nil {
		return err
	}
	if err := p.Restart(ctx); err != nil {
		return err
	}
	p.setRole(RoleReplica)
	return nil
}

// Bootstrap creates the data directory. With a leader in the cluster a base
// backup is taken from it; otherwise a fresh primary is initialized and the
// replication role created.
func (p *Postgresql) Bootstrap(ctx context.Context, cluster *Cluster) error {
	if cluster != nil && !cluster.IsUnlocked() {
		return p.bootstrapFromLeader(ctx, cluster.Leader.Member)
	}
	return p.bootstrapAsPrimary(ctx)
}

func (p *Postgresql) bootstrapAsPrimary(ctx context.Context) error {
	initdb := exec.CommandContext(ctx, p.binary("initdb"),
		"-D", p.dataDir, "--encoding=UTF8", "--auth=trust",
		"--username="+p.superuser.Username)
	if out, err := initdb.CombinedOutput(); err != nil {
		return &PostgresError{Op: "initdb", Err: fmt.Errorf("%v: %s", err, out)}
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	if err := p.createReplicationUser(); err != nil {
		return err
	}
	p.setRole(RolePrimary)
	log.Printf("Bootstrapped %s as a new primary", p.name)
	return nil
}

func (p *Postgresql) bootstrapFromLeader(ctx context.Context, leader *Member) error {
	host, port, user, password, err := parseConnURL(leader.ConnURL)
	if err != nil {
		return &PostgresError{Op: "bootstrap", Err: err}
	}
	backup := exec.CommandContext(ctx, p.binary("pg_basebackup"),
		"-D", p.dataDir, "-X", "stream", "-R",
		"-h", host, "-p", port, "-U", user)
	backup.Env = append(os.Environ(), "PGPASSWORD="+password)
	if out, err := backup.CombinedOutput(); err != nil {
		return &PostgresError{Op: "pg_basebackup", Err: fmt.Errorf("%v: %s", err, out)}
	}
	if err := p.writeRecoveryConf(leader); err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	p.setRole(RoleReplica)
	log.Printf("Bootstrapped %s from leader %s", p.name, leader.Name)
	return nil
}

func (p *Postgresql) createReplicationUser() error {
	db, err := p.connection()
	if err != nil {
		return &PostgresError{Op: "create replication user", Err: err}
	}
	query := fmt.Sprintf("CREATE ROLE %s WITH REPLICATION LOGIN PASSWORD '%s'",
		p.replication.Username, p.replication.Password)
	if _, err := db.Exec(query); err != nil {
		return &PostgresError{Op: "create replication user", Err: err}
	}
	return nil
}

// Controldata returns the parsed pg_controldata output, or an empty map
// when the control file is unreadable.
func (p *Postgresql) Controldata() map[string]string {
	out, err := exec.Command(p.binary("pg_controldata"), p.dataDir).Output()
	if err != nil {
		return map[string]string{}
	}
	return parseControldata(string(out))
}

// DataDirectoryEmpty reports whether the data directory is missing or has
// no contents.
func (p *Postgresql) DataDirectoryEmpty() bool {
	entries, err := os.ReadDir(p.dataDir)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

// RemoveDataDirectory wipes the data directory ahead of a reinitialize.
func (p *Postgresql) RemoveDataDirectory() error {
	p.closeConnection()
	if err := os.RemoveAll(p.dataDir); err != nil {
		return &PostgresError{Op: "remove data directory", Err: err}
	}
	p.setRole(RoleUninitialized)
	return nil
}

// CanCreateReplicaWithoutLeader is false for this adapter: base backups
// require a reachable leader.
func (p *Postgresql) CanCreateReplicaWithoutLeader() bool { return false }

// CheckRecoveryConf reports whether recovery already points at the given
// leader.
func (p *Postgresql) CheckRecoveryConf(leader *Member) bool {
	data, err := os.ReadFile(p.recoveryConfPath())
	if err != nil {
		return false
	}
	if leader == nil {
		return true
	}
	host, port, _, _, err := parseConnURL(leader.ConnURL)
	if err != nil {
		return false
	}
	conf := string(data)
	return strings.Contains(conf, "host="+host) && strings.Contains(conf, "port="+port)
}

func (p *Postgresql) recoveryConfPath() string {
	return filepath.Join(p.dataDir, "standby.signal.conf")
}

func (p *Postgresql) recoveryConfExists() bool {
	_, err := os.Stat(p.recoveryConfPath())
	return err == nil
}

// writeRecoveryConf writes the standby settings. A nil leader produces a
// standby with no upstream, which waits until one is configured.
func (p *Postgresql) writeRecoveryConf(leader *Member) error {
	lines := []string{"standby_mode = 'on'"}
	if leader != nil {
		host, port, user, password, err := parseConnURL(leader.ConnURL)
		if err != nil {
			return &PostgresError{Op: "write recovery conf", Err: err}
		}
		lines = append(lines, fmt.Sprintf(
			"primary_conninfo = 'host=%s port=%s user=%s password=%s application_name=%s'",
			host, port, user, password, p.name))
	}
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(p.recoveryConfPath(), []byte(content), 0o600); err != nil {
		return &PostgresError{Op: "write recovery conf", Err: err}
	}
	return nil
}

func (p *Postgresql) removeRecoveryConf() {
	os.Remove(p.recoveryConfPath())
}

func (p *Postgresql) connection() (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	host, port, err := net.SplitHostPort(p.listen)
	if err != nil {
		host, port = p.listen, "5432"
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=postgres sslmode=disable connect_timeout=3",
		host, port, p.superuser.Username, p.superuser.Password)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	p.db = db
	return db, nil
}

func (p *Postgresql) closeConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		p.db.Close()
		p.db = nil
	}
}

func (p *Postgresql) queryRow(query string, dest ...interface{}) error {
	db, err := p.connection()
	if err != nil {
		return err
	}
	return db.QueryRow(query).Scan(dest...)
}

func (p *Postgresql) binary(name string) string {
	if p.binDir != "" {
		return filepath.Join(p.binDir, name)
	}
	return name
}

// ParseLSN converts a pg_lsn value like 0/3000060 into a linear offset.
func ParseLSN(lsn string) (uint64, error) {
	parts := strings.SplitN(strings.TrimSpace(lsn), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid lsn %q", lsn)
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", lsn, err)
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid lsn %q: %w", lsn, err)
	}
	return hi<<32 | lo, nil
}

// parseControldata splits pg_controldata output into a key/value map.
func parseControldata(out string) map[string]string {
	data := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key != "" {
			data[key] = value
		}
	}
	return data
}

// parseConnURL extracts host, port and credentials from a member's
// postgres:// connection URL.
func parseConnURL(connURL string) (host, port, user, password string, err error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return "", "", "", "", fmt.Errorf("invalid connection url %q: %w", connURL, err)
	}
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		port = "5432"
	}
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}
	return host, port, user, password, nil
}

// localRunner drives a locally installed server through pg_ctl.
type localRunner struct {
	binDir  string
	dataDir string
}

func (r *localRunner) binary(name string) string {
	if r.binDir != "" {
		return filepath.Join(r.binDir, name)
	}
	return name
}

func (r *localRunner) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.binary("pg_ctl"), "start", "-D", r.dataDir, "-w", "-t", "60")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pg_ctl start failed: %v: %s", err, out)
	}
	return nil
}

func (r *localRunner) Stop(ctx context.Context, fast bool) error {
	mode := "smart"
	if fast {
		mode = "fast"
	}
	cmd := exec.CommandContext(ctx, r.binary("pg_ctl"), "stop", "-D", r.dataDir, "-m", mode, "-w")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pg_ctl stop failed: %v: %s", err, out)
	}
	return nil
}

func (r *localRunner) Restart(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.binary("pg_ctl"), "restart", "-D", r.dataDir, "-m", "fast", "-w", "-t", "60")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pg_ctl restart failed: %v: %s", err, out)
	}
	return nil
}

func (r *localRunner) IsRunning() bool {
	return exec.Command(r.binary("pg_ctl"), "status", "-D", r.dataDir).Run() == nil
}
