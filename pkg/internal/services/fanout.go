package services

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/models"
)

type FanOutConfig struct {
	// Threshold is the follower count above which an author switches from
	// fan-out-on-write to fan-out-on-read.
	Threshold int64
	// BatchSize bounds how many feed entries one transaction inserts.
	BatchSize int
	// Workers is the pool size; the workload is storage-bound, so this is
	// tuned against downstream capacity, not CPU count.
	Workers     int
	QueueDepth  int
	MaxAttempts int
}

func FanOutConfigFromSettings() FanOutConfig {
	viper.SetDefault("fanout.threshold", 5000)
	viper.SetDefault("fanout.batch_size", 1000)
	viper.SetDefault("fanout.workers", 8)
	viper.SetDefault("fanout.queue_depth", 4096)
	viper.SetDefault("fanout.max_attempts", 5)

	return FanOutConfig{
		Threshold:   viper.GetInt64("fanout.threshold"),
		BatchSize:   viper.GetInt("fanout.batch_size"),
		Workers:     viper.GetInt("fanout.workers"),
		QueueDepth:  viper.GetInt("fanout.queue_depth"),
		MaxAttempts: viper.GetInt("fanout.max_attempts"),
	}
}

var (
	fanOutCfg     FanOutConfig
	fanOutQueue   chan uint
	fanOutQuit    chan struct{}
	fanOutWg      sync.WaitGroup
	fanOutRunning bool
	fanOutMtx     sync.Mutex
)

// ConfigureFanOut installs the tuning parameters without starting workers.
// Tests use it to process jobs synchronously.
func ConfigureFanOut(cfg FanOutConfig) {
	fanOutMtx.Lock()
	defer fanOutMtx.Unlock()
	fanOutCfg = cfg
}

func StartFanOutWorkers(cfg FanOutConfig) {
	fanOutMtx.Lock()
	defer fanOutMtx.Unlock()
	if fanOutRunning {
		return
	}

	fanOutCfg = cfg
	fanOutQueue = make(chan uint, cfg.QueueDepth)
	fanOutQuit = make(chan struct{})
	fanOutRunning = true

	for idx := 0; idx < cfg.Workers; idx++ {
		fanOutWg.Add(1)
		go fanOutWorker()
	}

	log.Info().Int("workers", cfg.Workers).Int64("threshold", cfg.Threshold).
		Msg("Fan-out worker pool started.")
}

// StopFanOutWorkers stops the pool without draining the in-memory queue.
// Job ids still queued are not lost: their durable rows stay pending and the
// boot-time sweep re-enqueues them.
func StopFanOutWorkers() {
	fanOutMtx.Lock()
	if !fanOutRunning {
		fanOutMtx.Unlock()
		return
	}
	fanOutRunning = false
	close(fanOutQuit)
	fanOutMtx.Unlock()

	fanOutWg.Wait()
	log.Info().Msg("Fan-out worker pool stopped.")
}

func fanOutWorker() {
	defer fanOutWg.Done()
	for {
		select {
		case <-fanOutQuit:
			return
		case jobID := <-fanOutQueue:
			if err := ProcessFanOutJob(jobID); err != nil {
				log.Error().Err(err).Uint("job", jobID).
					Msg("An error occurred when processing fan-out job...")
			}
		}
	}
}

func enqueueFanOutJob(id uint) bool {
	fanOutMtx.Lock()
	defer fanOutMtx.Unlock()
	if !fanOutRunning {
		return false
	}
	select {
	case fanOutQueue <- id:
		return true
	default:
		// Queue saturated; the job row stays pending and the sweep picks
		// it up. Delivery lag is the accepted degradation here.
		return false
	}
}

// DispatchPost decides the delivery strategy for a fresh post. Small and
// medium audiences get a durable FanOutJob; above the threshold nothing is
// materialized and the read path merges the author's posts on demand.
func DispatchPost(post models.Post, author models.Account) error {
	if author.TotalFollowers > fanOutCfg.Threshold {
		log.Debug().Uint("post", post.ID).Uint("author", author.ID).
			Int64("followers", author.TotalFollowers).
			Msg("Author above fan-out threshold, skipping materialization.")
		return nil
	}

	job := models.FanOutJob{
		PostID:   post.ID,
		AuthorID: author.ID,
		Status:   models.FanOutJobPending,
	}
	if err := database.C.Create(&job).Error; err != nil {
		return fmt.Errorf("unable to enqueue fan-out job: %v", err)
	}

	enqueueFanOutJob(job.ID)

	return nil
}

// ProcessFanOutJob walks the author's follower set from the job's resume
// cursor, materializing feed entries batch by batch. Every batch is an
// idempotent insert keyed on (account_id, post_id), so replays after a
// crash or a retry cannot duplicate entries.
func ProcessFanOutJob(jobID uint) error {
	var job models.FanOutJob
	if err := database.C.Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Post was deleted before delivery finished.
			return nil
		}
		return fmt.Errorf("unable to load fan-out job: %v", err)
	}
	if job.Status == models.FanOutJobDone || job.Status == models.FanOutJobDead {
		return nil
	}

	post, err := GetPost(database.C, job.PostID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			now := time.Now()
			job.Status = models.FanOutJobDone
			job.ProcessedAt = &now
			return database.C.Save(&job).Error
		}
		return fmt.Errorf("unable to load post for fan-out: %v", err)
	}

	job.Status = models.FanOutJobRunning
	if err := database.C.Save(&job).Error; err != nil {
		return fmt.Errorf("unable to mark fan-out job running: %v", err)
	}

	for {
		followerIDs, err := ListFollowerIDsAfter(job.AuthorID, job.FollowerCursor, fanOutCfg.BatchSize)
		if err != nil {
			return parkOrRetry(&job, err)
		}
		if len(followerIDs) == 0 {
			break
		}

		if err := deliverBatch(post, followerIDs); err != nil {
			if job.Attempts+1 >= fanOutCfg.MaxAttempts {
				if err := parkDeadBatch(&job, followerIDs[len(followerIDs)-1], err); err != nil {
					return err
				}
				continue
			}
			return parkOrRetry(&job, err)
		}

		job.FollowerCursor = followerIDs[len(followerIDs)-1]
		if err := database.C.Save(&job).Error; err != nil {
			return parkOrRetry(&job, err)
		}

		if len(followerIDs) < fanOutCfg.BatchSize {
			break
		}
	}

	now := time.Now()
	job.Status = models.FanOutJobDone
	job.ProcessedAt = &now
	if err := database.C.Save(&job).Error; err != nil {
		return fmt.Errorf("unable to mark fan-out job done: %v", err)
	}

	log.Debug().Uint("job", job.ID).Uint("post", job.PostID).Msg("Fan-out job delivered.")

	return nil
}

func deliverBatch(post models.Post, followerIDs []uint) error {
	entries := lo.Map(followerIDs, func(followerID uint, _ int) models.FeedEntry {
		return models.FeedEntry{
			AccountID: followerID,
			PostID:    post.ID,
			AuthorID:  post.AuthorID,
			CreatedAt: post.CreatedAt,
		}
	})

	return database.C.
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(entries, fanOutCfg.BatchSize).Error
}

// parkDeadBatch dead-letters one undeliverable follower range as its own
// job row and advances the live job past it, so the remaining batches of the
// same job still deliver. The parked row keeps the range bounds so a
// reconciliation run can redeliver exactly the skipped followers.
func parkDeadBatch(job *models.FanOutJob, rangeEnd uint, cause error) error {
	dead := models.FanOutJob{
		PostID:         job.PostID,
		AuthorID:       job.AuthorID,
		FollowerCursor: job.FollowerCursor,
		RangeEnd:       rangeEnd,
		Status:         models.FanOutJobDead,
		Attempts:       job.Attempts + 1,
		LastError:      cause.Error(),
	}
	if err := database.C.Create(&dead).Error; err != nil {
		return fmt.Errorf("unable to park dead-letter batch: %v", err)
	}

	job.FollowerCursor = rangeEnd
	job.Attempts = 0
	job.LastError = cause.Error()
	if err := database.C.Save(job).Error; err != nil {
		return fmt.Errorf("unable to advance past dead-letter batch: %v", err)
	}

	log.Warn().Uint("job", job.ID).Uint("post", job.PostID).
		Uint("from", dead.FollowerCursor).Uint("until", rangeEnd).Err(cause).
		Msg("Fan-out batch parked in dead-letter state, job continuing.")

	return nil
}

// parkOrRetry schedules another attempt with exponential backoff. The resume
// cursor survives, so a rescheduled job picks up from the failed batch. Once
// attempts run out the whole job is parked; that path only serves failures
// outside a delivery batch (cursor reads, job bookkeeping), where there is
// no follower range to skip.
func parkOrRetry(job *models.FanOutJob, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts >= fanOutCfg.MaxAttempts {
		job.Status = models.FanOutJobDead
		if err := database.C.Save(job).Error; err != nil {
			return fmt.Errorf("unable to park fan-out job: %v", err)
		}
		log.Warn().Uint("job", job.ID).Uint("post", job.PostID).Err(cause).
			Msg("Fan-out job parked in dead-letter state.")
		return cause
	}

	job.Status = models.FanOutJobPending
	if err := database.C.Save(job).Error; err != nil {
		return fmt.Errorf("unable to reschedule fan-out job: %v", err)
	}

	backoff := time.Duration(1<<uint(job.Attempts)) * time.Second
	jobID := job.ID
	time.AfterFunc(backoff, func() {
		enqueueFanOutJob(jobID)
	})

	log.Warn().Uint("job", job.ID).Int("attempts", job.Attempts).Dur("backoff", backoff).Err(cause).
		Msg("Fan-out batch failed, retrying...")

	return cause
}

// SweepPendingJobs re-enqueues durable jobs that never reached a worker:
// enqueue failures, queue overflow, or jobs stranded running by a crash.
// Ran by cron and once at boot.
func SweepPendingJobs() {
	stale := time.Now().Add(-5 * time.Minute)

	var jobs []models.FanOutJob
	if err := database.C.
		Where("status = ?", models.FanOutJobPending).
		Or("status = ? AND updated_at < ?", models.FanOutJobRunning, stale).
		Find(&jobs).Error; err != nil {
		log.Error().Err(err).Msg("An error occurred when sweeping fan-out jobs...")
		return
	}

	for _, job := range jobs {
		enqueueFanOutJob(job.ID)
	}

	if len(jobs) > 0 {
		log.Info().Int("count", len(jobs)).Msg("Re-enqueued stranded fan-out jobs.")
	}
}

// CountDeadLetterJobs is the operational signal for permanently failed
// deliveries awaiting reconciliation.
func CountDeadLetterJobs() (int64, error) {
	var count int64
	if err := database.C.Model(&models.FanOutJob{}).
		Where("status = ?", models.FanOutJobDead).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("unable to count dead-letter jobs: %v", err)
	}
	return count, nil
}
