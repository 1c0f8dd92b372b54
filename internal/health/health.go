// Package health runs named dependency checks (database, ledger) and serves
// the /health, /health/live and /health/ready endpoints.
package health

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wctlabs/wikirewards/internal/tokens"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status represents the health of a single dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and the process readiness flag.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
	ready    atomic.Bool
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry that is not ready until SetReady(true).
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// SetReady flips the readiness flag (false while draining on shutdown).
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Ready reports the readiness flag.
func (r *Registry) Ready() bool {
	return r.ready.Load()
}

// CheckAll runs every checker concurrently, each under the registry timeout.
// Results keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database checks that the database answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Treasury is the part of the ledger the ledger check needs.
type Treasury interface {
	Treasury() string
	Decimals() int
	Balance(ctx context.Context, account string) (*big.Int, error)
}

// Ledger checks that the treasury balance can be read.
func Ledger(l Treasury) Checker {
	return func(ctx context.Context) Status {
		bal, err := l.Balance(ctx, l.Treasury())
		if err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true, Detail: "treasury " + tokens.Format(bal, l.Decimals()) + " " + tokens.Symbol}
	}
}

// Handler handles GET /health with per-dependency results.
func (r *Registry) Handler(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses, "timestamp": time.Now().UTC()})
}

// LiveHandler handles GET /health/live.
func (r *Registry) LiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ReadyHandler handles GET /health/ready.
func (r *Registry) ReadyHandler(c *gin.Context) {
	if !r.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
