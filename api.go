package patroni

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// FailoverRequest is an operator-initiated handoff. Either field may be
// empty: candidate alone means "promote this node", leader alone means
// "step down if you are the leader".
type FailoverRequest struct {
	Leader    string `json:"leader"`
	Candidate string `json:"candidate"`
}

// XlogStatus is the write-ahead log part of the node probe body.
type XlogStatus struct {
	Location         uint64 `json:"location"`
	ReceivedLocation uint64 `json:"received_location"`
}

// NodeProbeResponse is what peers parse when ranking this node.
type NodeProbeResponse struct {
	State string            `json:"state"`
	Role  string            `json:"role"`
	Xlog  XlogStatus        `json:"xlog"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// APIServer exposes the administration endpoints the core invokes on
// peers, plus operator entry points for failover, restart and
// reinitialize. It only reads shared state through the HA probes.
type APIServer struct {
	ha      *Ha
	db      Database
	dcs     DCS
	config  *Config
	metrics *Metrics
	router  *gin.Engine
	server  *http.Server
}

// NewAPIServer creates the server and registers all routes.
func NewAPIServer(config *Config, ha *Ha, db Database, dcs DCS, metrics *Metrics) *APIServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
	}))

	s := &APIServer{
		ha:      ha,
		db:      db,
		dcs:     dcs,
		config:  config,
		metrics: metrics,
		router:  router,
	}
	s.setupRoutes()
	return s
}

// setupRoutes sets up all API routes.
func (s *APIServer) setupRoutes() {
	s.router.GET("/", s.probe)
	s.router.GET("/patroni", s.probe)
	s.router.GET("/cluster", s.clusterStatus)
	s.router.GET("/health", s.healthCheck)
	s.router.POST("/failover", s.failover)
	s.router.POST("/restart", s.restart)
	s.router.POST("/reinitialize", s.reinitialize)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler: probe returns the state peers parse during the leader race. A
// stopped database answers 503 so it can never win a race.
func (s *APIServer) probe(c *gin.Context) {
	running := s.db.IsRunning()
	state := "running"
	code := http.StatusOK
	if !running {
		state = "stopped"
		code = http.StatusServiceUnavailable
	}
	location := s.db.LastOperation()
	c.JSON(code, NodeProbeResponse{
		State: state,
		Role:  s.db.Role(),
		Xlog:  XlogStatus{Location: location, ReceivedLocation: location},
		Tags:  s.config.Tags,
	})
}

// Handler: clusterStatus reports the last observed snapshot.
func (s *APIServer) clusterStatus(c *gin.Context) {
	cluster := s.ha.Cluster()
	if cluster == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no cluster snapshot observed yet"})
		return
	}

	members := make([]gin.H, 0, len(cluster.Members))
	for _, m := range cluster.Members {
		members = append(members, gin.H{
			"name":          m.Name,
			"conn_url":      m.ConnURL,
			"api_url":       m.APIURL,
			"xlog_location": m.XlogLocation,
			"tags":          m.Tags,
		})
	}
	status := gin.H{
		"scope":       s.config.Scope(),
		"initialized": cluster.Initialize != nil,
		"leader":      cluster.Leader.Name(),
		"members":     members,
	}
	if cluster.Failover != nil {
		status["failover"] = gin.H{
			"leader":    cluster.Failover.Leader,
			"candidate": cluster.Failover.Candidate,
		}
	}
	c.JSON(http.StatusOK, status)
}

// Handler: healthCheck answers liveness probes for the supervisor itself.
func (s *APIServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "member": s.db.Name()})
}

// Handler: failover writes the failover request into the DCS.
func (s *APIServer) failover(c *gin.Context) {
	var req FailoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Leader == "" && req.Candidate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failover needs a leader or a candidate"})
		return
	}
	cluster := s.ha.Cluster()
	if req.Candidate != "" && cluster != nil && !cluster.HasMember(req.Candidate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("candidate %s is not a cluster member", req.Candidate)})
		return
	}
	if !s.dcs.ManualFailover(req.Leader, req.Candidate) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to write failover request"})
		return
	}
	log.Printf("Failover requested: leader=%q candidate=%q", req.Leader, req.Candidate)
	c.JSON(http.StatusOK, gin.H{"status": "failover requested"})
}

// Handler: restart restarts the local database.
func (s *APIServer) restart(c *gin.Context) {
	ok, message := s.ha.Restart()
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": message})
}

// Handler: reinitialize schedules a wipe-and-rebootstrap of this replica.
func (s *APIServer) reinitialize(c *gin.Context) {
	if !s.ha.ScheduleReinitialize() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "another action is already in progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reinitialize scheduled"})
}

// Run starts serving on addr and blocks until Shutdown.
func (s *APIServer) Run(addr string) error {
	s.server = &http.Server{Addr: addr, Handler: s.router}
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
