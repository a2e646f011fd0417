package patroni

import (
	"context"
	"log"
	"sync"
	"syscall"
	"time"
)

// Patroni owns the component lifecycle: it wires the database adapter, the
// DCS driver, the HA loop and the REST API, paces the decision cycles and
// tears everything down in order on shutdown.
type Patroni struct {
	config  *Config
	db      Database
	dcs     DCS
	ha      *Ha
	api     *APIServer
	metrics *Metrics

	napTime time.Duration
	nextRun time.Time

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds a supervisor from validated configuration.
func New(config *Config) (*Patroni, error) {
	db, err := NewPostgresql(&config.PostgreSQL)
	if err != nil {
		return nil, err
	}
	dcs, err := NewDCS(db.Name(), config)
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics(config.Scope(), db.Name())
	ha := NewHa(config, db, dcs)

	return &Patroni{
		config:     config,
		db:         db,
		dcs:        dcs,
		ha:         ha,
		api:        NewAPIServer(config, ha, db, dcs, metrics),
		metrics:    metrics,
		napTime:    time.Duration(config.LoopWait) * time.Second,
		shutdownCh: make(chan struct{}),
	}, nil
}

// Run starts the REST API and drives HA cycles until Shutdown.
func (p *Patroni) Run() error {
	go func() {
		if err := p.api.Run(p.config.RestAPI.Listen); err != nil {
			log.Printf("REST API server failed: %v", err)
		}
	}()

	p.nextRun = time.Now()
	for {
		select {
		case <-p.shutdownCh:
			return nil
		default:
		}

		start := time.Now()
		status := p.ha.RunCycle()
		log.Printf("%s", status)
		p.metrics.ObserveCycle(status, time.Since(start).Seconds(), p.ha.HasLock())
		if status == "DCS is not accessible" ||
			status == "demoted self because DCS is not accessible and i was a leader" {
			p.metrics.ObserveDCSError()
		}

		reapChildren()
		p.scheduleNextRun()
	}
}

// scheduleNextRun keeps the cycle cadence without catch-up bursts. A DCS
// watch event short-circuits the sleep so reactions stay fast.
func (p *Patroni) scheduleNextRun() {
	p.nextRun = p.nextRun.Add(p.napTime)
	now := time.Now()
	if !p.nextRun.After(now) {
		p.nextRun = now
		return
	}

	changed := make(chan bool, 1)
	go func() {
		changed <- p.dcs.Watch(p.nextRun.Sub(now))
	}()
	select {
	case ch := <-changed:
		if ch {
			p.nextRun = time.Now()
		}
	case <-p.shutdownCh:
	}
}

// Shutdown stops the loop, the REST API, the database (no checkpoint) and
// releases the leader lease. Safe to call more than once.
func (p *Patroni) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.api.Shutdown(ctx); err != nil {
			log.Printf("Failed to shut down REST API: %v", err)
		}

		p.ha.Shutdown()

		if err := p.dcs.Close(); err != nil {
			log.Printf("Failed to close DCS client: %v", err)
		}
	})
}

// reapChildren collects exited child processes. The database server may
// fork helpers that would otherwise linger as zombies.
func reapChildren() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
