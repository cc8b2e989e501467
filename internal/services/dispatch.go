package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"circlesync/internal/config"
	"circlesync/internal/models"
	"circlesync/internal/repository"
	"circlesync/internal/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job names routed through POST /jobs/{jobName}
const (
	JobContactsSync     = "contacts-sync"
	JobCalendarSync     = "calendar-sync"
	JobTokenRefresh     = "token-refresh"
	JobMaintenanceSweep = "maintenance-sweep"
)

// Queue names
const (
	QueueCritical   = "critical"
	QueueBestEffort = "best-effort"
)

// QueueConfig describes retry and concurrency policy for one queue
type QueueConfig struct {
	Name           string
	MaxConcurrency int
	MaxAttempts    int
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

// DefaultQueues returns the two-tier queue layout: critical work (user
// data sync, token refresh) gets tight retries and priority; best-effort
// maintenance gets looser limits.
func DefaultQueues() map[string]QueueConfig {
	return map[string]QueueConfig{
		QueueCritical: {
			Name:           QueueCritical,
			MaxConcurrency: 20,
			MaxAttempts:    5,
			MinBackoff:     30 * time.Second,
			MaxBackoff:     30 * time.Minute,
		},
		QueueBestEffort: {
			Name:           QueueBestEffort,
			MaxConcurrency: 5,
			MaxAttempts:    10,
			MinBackoff:     time.Minute,
			MaxBackoff:     time.Hour,
		},
	}
}

// QueueForJob maps a job name to its queue
func QueueForJob(jobName string) string {
	switch jobName {
	case JobContactsSync, JobCalendarSync, JobTokenRefresh:
		return QueueCritical
	default:
		return QueueBestEffort
	}
}

// JobNameForIntegration maps an integration type to its sync job
func JobNameForIntegration(integrationType models.IntegrationType) string {
	if integrationType == models.IntegrationCalendar {
		return JobCalendarSync
	}
	return JobContactsSync
}

// Task is one unit of work handed to the push transport
type Task struct {
	JobName        string          `json:"job_name"`
	Queue          string          `json:"queue"`
	IdempotencyKey string          `json:"idempotency_key"`
	Data           json.RawMessage `json:"data"`
	DelaySeconds   int             `json:"delay_seconds,omitempty"`
}

// TaskClient submits tasks to the push-based transport, which later
// calls back POST /jobs/{jobName} on this service.
type TaskClient interface {
	Enqueue(ctx context.Context, task Task) error
}

// HTTPTaskClient talks to the transport over HTTP
type HTTPTaskClient struct {
	baseURL    string
	authToken  string
	targetURL  string
	httpClient *http.Client
}

// NewHTTPTaskClient creates a transport client
func NewHTTPTaskClient(cfg config.DispatchConfig, selfURL string) *HTTPTaskClient {
	return &HTTPTaskClient{
		baseURL:   cfg.TransportURL,
		authToken: cfg.TransportToken,
		targetURL: selfURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enqueue submits one task for asynchronous delivery
func (c *HTTPTaskClient) Enqueue(ctx context.Context, task Task) error {
	payload := map[string]interface{}{
		"job_name":        task.JobName,
		"queue":           task.Queue,
		"idempotency_key": task.IdempotencyKey,
		"data":            task.Data,
		"delay_seconds":   task.DelaySeconds,
		"target_url":      fmt.Sprintf("%s/jobs/%s", c.targetURL, task.JobName),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enqueue", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create enqueue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transport rejected task %s: status %d", task.JobName, resp.StatusCode)
	}
	return nil
}

// ScheduledIdempotencyKey derives the deterministic key for automatic
// syncs: identical triggers within one coarse time bucket collapse into
// a single execution.
func ScheduledIdempotencyKey(userID string, integrationType models.IntegrationType, syncType models.SyncType, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}
	bucketed := at.Truncate(bucket).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", userID, integrationType, syncType, bucketed)))
	return hex.EncodeToString(sum[:])
}

// ManualIdempotencyKey generates a fresh unique key for a user-initiated
// sync, which must never deduplicate against scheduled work.
func ManualIdempotencyKey() string {
	return "manual-" + uuid.NewString()
}

// ErrDuplicateInFlight signals that another delivery of the same key is
// currently executing; the job becomes a no-op.
var ErrDuplicateInFlight = errors.New("duplicate delivery: key already in flight")

// Dispatcher enqueues jobs and runs deliveries through the idempotency
// store. The store check fails open: when it is unreachable the job
// executes anyway, trading strict deduplication for availability.
type Dispatcher struct {
	taskClient TaskClient
	idemRepo   *repository.IdempotencyRepository
	cfg        config.DispatchConfig
	queues     map[string]QueueConfig
	slots      map[string]chan struct{}
	logger     *utils.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(taskClient TaskClient, idemRepo *repository.IdempotencyRepository, cfg config.DispatchConfig) *Dispatcher {
	queues := DefaultQueues()
	slots := make(map[string]chan struct{}, len(queues))
	for name, queue := range queues {
		slots[name] = make(chan struct{}, queue.MaxConcurrency)
	}
	return &Dispatcher{
		taskClient: taskClient,
		idemRepo:   idemRepo,
		cfg:        cfg,
		queues:     queues,
		slots:      slots,
		logger:     utils.NewLogger("Dispatcher"),
	}
}

// EnqueueSyncJob submits one sync job to the transport
func (d *Dispatcher) EnqueueSyncJob(ctx context.Context, jobCfg models.SyncJobConfig) error {
	data, err := json.Marshal(jobCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal job config: %w", err)
	}
	jobName := JobNameForIntegration(jobCfg.IntegrationType)
	task := Task{
		JobName:        jobName,
		Queue:          QueueForJob(jobName),
		IdempotencyKey: jobCfg.IdempotencyKey,
		Data:           data,
	}
	if err := d.taskClient.Enqueue(ctx, task); err != nil {
		return err
	}
	d.logger.Debug("Enqueued %s for %s/%s (%s)", jobName, jobCfg.UserID, jobCfg.IntegrationType, jobCfg.SyncType)
	return nil
}

// EnqueueTokenRefresh submits a token refresh job
func (d *Dispatcher) EnqueueTokenRefresh(ctx context.Context, userID string, integrationType models.IntegrationType) error {
	data, err := json.Marshal(map[string]string{
		"user_id":          userID,
		"integration_type": string(integrationType),
	})
	if err != nil {
		return err
	}
	key := ScheduledIdempotencyKey(userID, integrationType, "refresh", time.Now(), d.cfg.KeyBucket)
	return d.taskClient.Enqueue(ctx, Task{
		JobName:        JobTokenRefresh,
		Queue:          QueueCritical,
		IdempotencyKey: key,
		Data:           data,
	})
}

// TryAcquire claims a concurrency slot for the queue without blocking.
// Returns false when the queue is saturated; the transport retries later.
func (d *Dispatcher) TryAcquire(queue string) bool {
	slot, ok := d.slots[queue]
	if !ok {
		return true
	}
	select {
	case slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a concurrency slot
func (d *Dispatcher) Release(queue string) {
	slot, ok := d.slots[queue]
	if !ok {
		return
	}
	select {
	case <-slot:
	default:
	}
}

// Backoff computes the jittered exponential delay before the given
// attempt (1-based) on a queue.
func (d *Dispatcher) Backoff(queue string, attempt int) time.Duration {
	qc, ok := d.queues[queue]
	if !ok {
		qc = DefaultQueues()[QueueBestEffort]
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := qc.MinBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= qc.MaxBackoff {
			delay = qc.MaxBackoff
			break
		}
	}
	// Full jitter over the upper half avoids synchronized retry storms.
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// RunIdempotent executes fn at most once per key within the TTL window.
// A repeat delivery returns the cached result when the first execution
// finished, or ErrDuplicateInFlight when it is still running.
func (d *Dispatcher) RunIdempotent(ctx context.Context, key, jobName string, fn func(context.Context) (interface{}, error)) (json.RawMessage, error) {
	storeCtx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
	record, claimErr := d.idemRepo.Claim(storeCtx, key, jobName, d.cfg.IdempotencyTTL)
	cancel()

	tracked := true
	switch {
	case claimErr == nil:
		// Fresh claim: we own the execution.

	case errors.Is(claimErr, repository.ErrDuplicateKey):
		now := time.Now()
		switch {
		case record.Status == models.IdempotencySucceeded && !record.IsExpired(now):
			d.logger.Info("Idempotency hit for key %s, returning cached result", key)
			return json.RawMessage(record.ResultJSON), nil
		case record.Status == models.IdempotencyStarted && !record.IsExpired(now):
			return nil, ErrDuplicateInFlight
		default:
			// Failed or expired: take the key over for re-execution.
			storeCtx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
			err := d.idemRepo.Reclaim(storeCtx, record, d.cfg.IdempotencyTTL)
			cancel()
			if err != nil {
				d.logger.Warn("Idempotency reclaim failed for key %s, executing anyway: %v", key, err)
				tracked = false
			}
		}

	case errors.Is(claimErr, gorm.ErrRecordNotFound), claimErr != nil:
		// Store unreachable or inconsistent: fail open. Duplicate work is
		// idempotent at the provider-data level; blocking would be worse.
		d.logger.Warn("Idempotency store unavailable for key %s, executing anyway: %v", key, claimErr)
		tracked = false
	}

	result, err := fn(ctx)
	if err != nil {
		if tracked {
			storeCtx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
			if markErr := d.idemRepo.MarkFailed(storeCtx, key, err.Error()); markErr != nil {
				d.logger.Warn("Failed to mark idempotency failure for %s: %v", key, markErr)
			}
			cancel()
		}
		return nil, err
	}

	resultJSON, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal job result: %w", marshalErr)
	}
	if tracked {
		storeCtx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
		if markErr := d.idemRepo.MarkSucceeded(storeCtx, key, string(resultJSON)); markErr != nil {
			d.logger.Warn("Failed to cache result for %s: %v", key, markErr)
		}
		cancel()
	}
	return resultJSON, nil
}

// PruneExpired removes idempotency records past their TTL
func (d *Dispatcher) PruneExpired(ctx context.Context) error {
	return d.idemRepo.DeleteExpired(ctx, time.Now())
}
