package loop

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/hamayni/forge/agent/internal/executor"
	"github.com/hamayni/forge/pkg/api/client"
	"github.com/hamayni/forge/pkg/hfc"
)

// Client is the slice of the coordinator API the agent uses.
type Client interface {
	Heartbeat(ctx context.Context, req client.HeartbeatRequest) (client.HeartbeatResponse, error)
	Claim(ctx context.Context, token string) (*client.ClaimedContract, error)
	Report(ctx context.Context, req client.ReportRequest) (client.ReportResponse, error)
}

// Executor runs a claimed mission script.
type Executor interface {
	Execute(ctx context.Context, contractID, script string) (executor.Outcome, error)
}

// Cleaner removes the local files of a finished mission.
type Cleaner interface {
	Cleanup(contractID string) error
}

// Config tunes the agent loop.
type Config struct {
	Token             string
	Hostname          string
	IP                string
	HeartbeatInterval time.Duration
	ClaimInterval     time.Duration
	ReportAttempts    int
	ReportBackoff     time.Duration
	// Cleaner, when set, removes mission files once the report is accepted.
	Cleaner Cleaner
}

// Health is a snapshot of the loop state.
type Health struct {
	ServerID        string    `json:"server_id,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	LastHeartbeatOK bool      `json:"last_heartbeat_ok"`
	LastError       string    `json:"last_error,omitempty"`
	CurrentContract string    `json:"current_contract,omitempty"`
	Executed        int       `json:"executed"`
}

// Runner polls the coordinator, executes claimed contracts one at a time and
// reports their outcome.
type Runner struct {
	client  Client
	exec    Executor
	metrics *Metrics
	log     *slog.Logger
	cfg     Config
	now     func() time.Time

	mu            sync.RWMutex
	health        Health
	lastHeartbeat time.Time
}

// New constructs a Runner.
func New(c Client, exec Executor, metrics *Metrics, logger *slog.Logger, cfg Config) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 5 * time.Second
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = 5
	}
	if cfg.ReportBackoff <= 0 {
		cfg.ReportBackoff = time.Second
	}
	return &Runner{
		client:  c,
		exec:    exec,
		metrics: metrics,
		log:     logger.With("component", "loop"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run sends an initial heartbeat, then claims on every tick of the claim
// interval until ctx is cancelled. A mission in progress finishes and is
// reported before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("agent loop started",
		"hostname", r.cfg.Hostname,
		"ip", r.cfg.IP,
		"heartbeat_interval", r.cfg.HeartbeatInterval.String(),
		"claim_interval", r.cfg.ClaimInterval.String(),
	)
	r.heartbeat(ctx)
	r.claim(ctx)

	ticker := time.NewTicker(r.cfg.ClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("agent loop stopped")
			return nil
		case <-ticker.C:
			r.runIteration(ctx)
		}
	}
}

// Health returns the current loop state.
func (r *Runner) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

func (r *Runner) runIteration(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	r.mu.RLock()
	due := r.now().Sub(r.lastHeartbeat) >= r.cfg.HeartbeatInterval
	r.mu.RUnlock()
	if due {
		r.heartbeat(ctx)
	}
	r.claim(ctx)
}

func (r *Runner) heartbeat(ctx context.Context) {
	at := r.now()
	resp, err := r.client.Heartbeat(ctx, client.HeartbeatRequest{
		Token:    r.cfg.Token,
		Hostname: r.cfg.Hostname,
		IP:       r.cfg.IP,
	})

	r.mu.Lock()
	r.lastHeartbeat = at
	r.health.LastHeartbeat = at
	r.health.LastHeartbeatOK = err == nil
	if err != nil {
		r.health.LastError = err.Error()
	} else {
		r.health.LastError = ""
		r.health.ServerID = resp.ServerID
	}
	r.mu.Unlock()

	if err != nil {
		r.metrics.heartbeat("error")
		r.log.Warn("heartbeat failed", "error", err)
		return
	}
	r.metrics.heartbeat("ok")
	r.log.Debug("heartbeat sent", "server_id", resp.ServerID)
}

func (r *Runner) claim(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	claimed, err := r.client.Claim(ctx, r.cfg.Token)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.metrics.claim("error")
		r.log.Warn("claim failed", "error", err)
		return
	}
	if claimed == nil {
		r.metrics.claim("empty")
		return
	}
	if claimed.ContractID == "" {
		r.metrics.claim("error")
		r.log.Warn("claim returned a contract without id")
		return
	}
	r.metrics.claim("contract")
	r.log.Info("contract claimed", "contract_id", claimed.ContractID, "execution_id", claimed.ExecutionID)

	r.setCurrent(claimed.ContractID)
	defer r.setCurrent("")

	// Shutdown does not interrupt a mission that already started.
	workCtx := context.WithoutCancel(ctx)
	outcome, err := r.exec.Execute(workCtx, claimed.ContractID, claimed.Script)
	if err != nil {
		r.log.Error("mission could not run", "contract_id", claimed.ContractID, "error", err)
		outcome = executor.Outcome{Status: hfc.StatusFailed, ExitCode: -1, LogTail: "agent error: " + err.Error()}
	}
	r.metrics.execution(string(outcome.Status), outcome.Duration)

	r.mu.Lock()
	r.health.Executed++
	r.mu.Unlock()

	if err := r.report(workCtx, claimed, outcome); err != nil {
		r.metrics.report("error")
		r.log.Error("report failed; contract stays claimed", "contract_id", claimed.ContractID, "error", err)
		return
	}
	r.metrics.report("ok")
	r.log.Info("contract reported", "contract_id", claimed.ContractID, "status", outcome.Status)

	if r.cfg.Cleaner != nil {
		if err := r.cfg.Cleaner.Cleanup(claimed.ContractID); err != nil {
			r.log.Warn("mission cleanup failed", "contract_id", claimed.ContractID, "error", err)
		}
	}
}

func (r *Runner) report(ctx context.Context, claimed *client.ClaimedContract, outcome executor.Outcome) error {
	req := client.ReportRequest{
		Token:       r.cfg.Token,
		ContractID:  claimed.ContractID,
		Status:      string(outcome.Status),
		Logs:        outcome.LogTail,
		ExecutionID: claimed.ExecutionID,
	}
	backoff := retry.WithMaxRetries(uint64(r.cfg.ReportAttempts-1),
		retry.WithCappedDuration(30*time.Second, retry.NewExponential(r.cfg.ReportBackoff)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := r.client.Report(ctx, req)
		if err == nil {
			return nil
		}
		if retryable(err) {
			r.log.Warn("report attempt failed", "contract_id", req.ContractID, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// retryable reports whether a report error may succeed on a later attempt.
// Client errors other than rate limiting are final.
func retryable(err error) bool {
	var apiErr client.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.Status >= http.StatusInternalServerError || apiErr.Status == http.StatusTooManyRequests
}

func (r *Runner) setCurrent(contractID string) {
	r.mu.Lock()
	r.health.CurrentContract = contractID
	r.mu.Unlock()
}
