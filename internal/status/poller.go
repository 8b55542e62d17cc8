// Package status checks the status of a long-running external workflow.
//
// A Poller coalesces rapid input changes behind a debounce timer, enforces a
// minimum interval between checks (manual triggers bypass it) and cancels
// superseded checks so a slow stale response never overwrites fresher state.
package status

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/common/metrics"
)

// ErrMissingClient is returned by NewPoller without a Checker
var ErrMissingClient = errors.New("status: checker is required")

// Inputs are the values a check depends on. Any change should be fed to ScheduleCheck.
type Inputs struct {
	WorkflowID   string
	SecretName   string
	CICDSecretID string
	SourceCode   string
	IsEditing    bool

	// ManualTrigger is bumped for every explicit "check now"
	ManualTrigger int
}

// Ready reports whether the inputs allow a check
func (in Inputs) Ready() bool {
	return strings.TrimSpace(in.WorkflowID) != "" &&
		strings.TrimSpace(in.SecretName) != "" &&
		in.CICDSecretID != "" &&
		!in.IsEditing
}

// Request builds the status request for these inputs
func (in Inputs) Request() Request {
	return Request{
		CICDSecretID: in.CICDSecretID,
		SearchKey:    strings.TrimSpace(in.SecretName),
		WorkflowID:   strings.TrimSpace(in.WorkflowID),
		SourceCode:   in.SourceCode,
	}
}

// Snapshot is the observable poller state
type Snapshot struct {
	Status    Result          `json:"status,omitempty"`
	IsLoading bool            `json:"isLoading"`
	IsChecked bool            `json:"isChecked"`
	Error     *Classification `json:"error,omitempty"`
}

// PollerConfig configures debounce and rate limiting
type PollerConfig struct {
	// Debounce is the quiet period before a scheduled check runs (default 1500ms)
	Debounce time.Duration

	// RateLimit is the minimum interval between non-manual checks (default 2000ms)
	RateLimit time.Duration

	// OnChange is called after every state change, outside the poller lock
	OnChange func(Snapshot)

	// OnSettled is called once per check that ran to completion (success or
	// classified failure). Superseded, skipped and rate-limited checks never
	// reach it.
	OnSettled func(Snapshot)
}

// DefaultPollerConfig returns the default debounce and rate limit
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Debounce:  1500 * time.Millisecond,
		RateLimit: 2000 * time.Millisecond,
	}
}

type stopper interface {
	Stop() bool
}

// Poller is one status-checking session. All methods are safe for concurrent use.
type Poller struct {
	client Checker
	cfg    PollerConfig

	mu          sync.Mutex
	inputs      Inputs
	status      Result
	isLoading   bool
	isChecked   bool
	lastErr     *Classification
	lastCheck   time.Time
	lastTrigger int

	debounce stopper
	seq      uint64 // bumped per scheduled check
	cancel   context.CancelFunc
	closed   bool

	// replaced in tests
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
}

// NewPoller creates a poller around client
func NewPoller(client Checker, cfg PollerConfig) (*Poller, error) {
	if client == nil {
		return nil, ErrMissingClient
	}
	def := DefaultPollerConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	} else if cfg.RateLimit == 0 {
		cfg.RateLimit = def.RateLimit
	}

	return &Poller{
		client: client,
		cfg:    cfg,
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}, nil
}

// ScheduleCheck records new inputs, cancels any pending or in-flight check and
// starts a new debounce timer. When the inputs are not ready the status is
// cleared immediately and nothing is scheduled.
func (p *Poller) ScheduleCheck(in Inputs) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.inputs = in
	changed := p.supersedeLocked()

	if !in.Ready() {
		changed = p.clearLocked() || changed
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.emit(changed, snap)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.seq++
	seq := p.seq
	p.debounce = p.afterFunc(p.cfg.Debounce, func() {
		p.mu.Lock()
		if p.seq == seq {
			p.debounce = nil
		}
		p.runCheck(ctx)
	})
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.emit(changed, snap)
}

// TriggerCheck bumps the manual trigger and schedules a check that bypasses
// the rate limit
func (p *Poller) TriggerCheck() {
	p.mu.Lock()
	p.inputs.ManualTrigger++
	in := p.inputs
	p.mu.Unlock()

	p.ScheduleCheck(in)
}

// CheckStatus runs one check for the current inputs. ctx is the check's
// cancellation token: once it is done, nothing this call observes is applied.
// Failures are classified into Snapshot().Error, never returned.
func (p *Poller) CheckStatus(ctx context.Context) {
	p.mu.Lock()
	p.runCheck(ctx)
}

// runCheck is entered with p.mu held and releases it
func (p *Poller) runCheck(ctx context.Context) {
	in := p.inputs

	if p.closed {
		p.mu.Unlock()
		return
	}
	if !in.Ready() {
		changed := p.clearLocked()
		snap := p.snapshotLocked()
		p.mu.Unlock()
		p.emit(changed, snap)
		return
	}
	if ctx.Err() != nil {
		p.mu.Unlock()
		metrics.StatusChecks.WithLabelValues("cancelled").Inc()
		return
	}

	now := p.now()
	manual := in.ManualTrigger != p.lastTrigger
	if !p.lastCheck.IsZero() && now.Sub(p.lastCheck) < p.cfg.RateLimit && !manual {
		p.mu.Unlock()
		metrics.StatusChecks.WithLabelValues("rate_limited").Inc()
		slog.Debug("Status check rate limited", "workflowId", in.WorkflowID)
		return
	}

	p.lastCheck = now
	p.lastTrigger = in.ManualTrigger
	p.isLoading = true
	snap := p.snapshotLocked()
	p.mu.Unlock()
	p.emit(true, snap)

	result, err := p.client.Check(ctx, in.Request())

	p.mu.Lock()
	if ctx.Err() != nil || p.closed {
		p.mu.Unlock()
		metrics.StatusChecks.WithLabelValues("cancelled").Inc()
		return
	}

	if err != nil {
		p.lastErr = Classify(err)
		metrics.StatusChecks.WithLabelValues("failed").Inc()
		slog.Warn("Workflow status check failed",
			"workflowId", in.WorkflowID,
			"kind", p.lastErr.Kind,
			"error", err)
	} else {
		p.status = result
		p.isChecked = true
		p.lastErr = nil
		metrics.StatusChecks.WithLabelValues("success").Inc()
	}
	p.isLoading = false
	snap = p.snapshotLocked()
	p.mu.Unlock()

	p.emit(true, snap)
	if p.cfg.OnSettled != nil {
		p.cfg.OnSettled(snap)
	}
}

// ResetStatus clears the status, checked flag and error
func (p *Poller) ResetStatus() {
	p.mu.Lock()
	p.status = nil
	p.isChecked = false
	p.lastErr = nil
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.emit(true, snap)
}

// Busy reports whether a check is waiting on its debounce timer or in flight
func (p *Poller) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debounce != nil || p.isLoading
}

// Snapshot returns the current state
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Close cancels pending and in-flight checks. Later calls are no-ops.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.supersedeLocked()
}

// supersedeLocked stops the debounce timer and cancels the in-flight token.
// A cancelled in-flight check never clears its own loading flag, so it is
// cleared here.
func (p *Poller) supersedeLocked() bool {
	if p.debounce != nil {
		p.debounce.Stop()
		p.debounce = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.isLoading {
		p.isLoading = false
		return true
	}
	return false
}

func (p *Poller) clearLocked() bool {
	changed := p.status != nil || p.isChecked || p.lastErr != nil || p.isLoading
	p.status = nil
	p.isChecked = false
	p.lastErr = nil
	p.isLoading = false
	if changed {
		metrics.StatusChecks.WithLabelValues("skipped").Inc()
	}
	return changed
}

func (p *Poller) snapshotLocked() Snapshot {
	return Snapshot{
		Status:    p.status,
		IsLoading: p.isLoading,
		IsChecked: p.isChecked,
		Error:     p.lastErr,
	}
}

func (p *Poller) emit(changed bool, snap Snapshot) {
	if changed && p.cfg.OnChange != nil {
		p.cfg.OnChange(snap)
	}
}
