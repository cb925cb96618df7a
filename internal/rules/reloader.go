package rules

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Reloader polls the rule file on a cron schedule and reloads the engine when
// the file's modification time changes.
type Reloader struct {
	engine   *Engine
	schedule string
	cron     *cron.Cron
	logger   *logrus.Logger

	mu      sync.Mutex
	lastMod time.Time

	// OnReload runs after each successful scheduled reload.
	OnReload func()
}

// NewReloader validates the schedule. Standard 5-field expressions and
// descriptors such as "@every 30s" are accepted.
func NewReloader(engine *Engine, schedule string, logger *logrus.Logger) (*Reloader, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("reload schedule is empty")
	}
	c := cron.New()
	r := &Reloader{engine: engine, schedule: schedule, cron: c, logger: logger}
	if info, err := os.Stat(engine.Path()); err == nil {
		r.lastMod = info.ModTime()
	}
	if _, err := c.AddFunc(schedule, r.Check); err != nil {
		return nil, fmt.Errorf("invalid reload schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins scheduled checks.
func (r *Reloader) Start() {
	r.logger.WithFields(logrus.Fields{"schedule": r.schedule, "path": r.engine.Path()}).Info("Rule reload scheduler started")
	r.cron.Start()
}

// Stop halts the scheduler and waits for a running check to finish or ctx to expire.
func (r *Reloader) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Check is the scheduled job.
func (r *Reloader) Check() {
	r.CheckNow()
}

// CheckNow reloads the engine if the rule file changed since the last successful
// load and reports whether a reload happened.
func (r *Reloader) CheckNow() bool {
	info, err := os.Stat(r.engine.Path())
	if err != nil {
		r.logger.WithError(err).Debug("Rule file not available for reload check")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !info.ModTime().After(r.lastMod) {
		return false
	}
	if err := r.engine.Reload(); err != nil {
		return false
	}
	r.lastMod = info.ModTime()
	if r.OnReload != nil {
		r.OnReload()
	}
	return true
}
