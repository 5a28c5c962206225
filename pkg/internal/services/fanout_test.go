package services

import (
	"testing"

	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/models"
)

func TestFanOutIdempotency(t *testing.T) {
	resetState(t)

	author := mustAccount(t, "author")
	var followers []models.Account
	for idx := 0; idx < 3; idx++ {
		follower := mustAccount(t, uniqueName("reader", idx))
		mustFollow(t, follower, author)
		followers = append(followers, follower)
	}

	post := mustPost(t, author, "hello everyone")

	var job models.FanOutJob
	if err := database.C.Where("post_id = ?", post.ID).First(&job).Error; err != nil {
		t.Fatalf("dispatcher did not create a job: %v", err)
	}

	// Replaying the same job any number of times must keep exactly one
	// entry per (owner, post) pair.
	for round := 0; round < 3; round++ {
		job.Status = models.FanOutJobPending
		job.FollowerCursor = 0
		if err := database.C.Save(&job).Error; err != nil {
			t.Fatalf("unable to rewind job: %v", err)
		}
		if err := ProcessFanOutJob(job.ID); err != nil {
			t.Fatalf("unable to process job: %v", err)
		}
	}

	for _, follower := range followers {
		if count := countFeedEntries(t, follower.ID); count != 1 {
			t.Fatalf("follower %d has %d entries, want exactly 1", follower.ID, count)
		}
	}
}

func TestFanOutResumesFromCursor(t *testing.T) {
	resetState(t)

	author := mustAccount(t, "author")
	var followers []models.Account
	for idx := 0; idx < 5; idx++ {
		follower := mustAccount(t, uniqueName("reader", idx))
		mustFollow(t, follower, author)
		followers = append(followers, follower)
	}

	post := mustPost(t, author, "resumable delivery")

	var job models.FanOutJob
	if err := database.C.Where("post_id = ?", post.ID).First(&job).Error; err != nil {
		t.Fatalf("dispatcher did not create a job: %v", err)
	}

	// Pretend a previous run already delivered the first two followers.
	job.FollowerCursor = followers[1].ID
	if err := database.C.Save(&job).Error; err != nil {
		t.Fatalf("unable to set resume cursor: %v", err)
	}
	if err := ProcessFanOutJob(job.ID); err != nil {
		t.Fatalf("unable to process job: %v", err)
	}

	for idx, follower := range followers {
		want := int64(1)
		if idx < 2 {
			want = 0
		}
		if count := countFeedEntries(t, follower.ID); count != want {
			t.Fatalf("follower %d has %d entries, want %d", follower.ID, count, want)
		}
	}
}

func TestDispatcherSkipsLargeAudience(t *testing.T) {
	resetState(t)

	author := mustAccount(t, "celebrity")
	if err := database.C.Model(&models.Account{}).
		Where("id = ?", author.ID).
		Update("total_followers", fanOutCfg.Threshold+1).Error; err != nil {
		t.Fatalf("unable to inflate follower count: %v", err)
	}
	author = reloadAccount(t, author.ID)

	post := mustPost(t, author, "too big to fan out")

	var jobs int64
	database.C.Model(&models.FanOutJob{}).Where("post_id = ?", post.ID).Count(&jobs)
	if jobs != 0 {
		t.Fatalf("above-threshold author must not get fan-out jobs, found %d", jobs)
	}
}

func TestFanOutDeadLetterBatch(t *testing.T) {
	resetState(t)

	previous := fanOutCfg
	ConfigureFanOut(FanOutConfig{
		Threshold:   previous.Threshold,
		BatchSize:   2,
		MaxAttempts: 1,
	})
	defer ConfigureFanOut(previous)

	author := mustAccount(t, "author")
	var followers []models.Account
	for idx := 0; idx < 4; idx++ {
		follower := mustAccount(t, uniqueName("reader", idx))
		mustFollow(t, follower, author)
		followers = append(followers, follower)
	}

	post := mustPost(t, author, "undeliverable")

	// Break the feed entry store so delivery fails for real.
	if err := database.C.Migrator().DropTable(&models.FeedEntry{}); err != nil {
		t.Fatalf("unable to drop feed entries: %v", err)
	}
	defer func() {
		if err := database.C.AutoMigrate(&models.FeedEntry{}); err != nil {
			t.Fatalf("unable to restore feed entries: %v", err)
		}
	}()

	var job models.FanOutJob
	if err := database.C.Where("post_id = ?", post.ID).First(&job).Error; err != nil {
		t.Fatalf("dispatcher did not create a job: %v", err)
	}
	if err := ProcessFanOutJob(job.ID); err != nil {
		t.Fatalf("a parked batch must not fail the job: %v", err)
	}

	// The job walks past every failed batch instead of stopping at the
	// first one.
	if err := database.C.Where("id = ?", job.ID).First(&job).Error; err != nil {
		t.Fatalf("unable to reload job: %v", err)
	}
	if job.Status != models.FanOutJobDone {
		t.Fatalf("job status %q, want done past the parked batches", job.Status)
	}
	if job.FollowerCursor != followers[3].ID {
		t.Fatalf("job cursor %d, want %d past the last batch", job.FollowerCursor, followers[3].ID)
	}

	var dead []models.FanOutJob
	if err := database.C.Where("status = ?", models.FanOutJobDead).
		Order("id ASC").Find(&dead).Error; err != nil {
		t.Fatalf("unable to list dead-letter batches: %v", err)
	}
	if len(dead) != 2 {
		t.Fatalf("found %d dead-letter batches, want 2", len(dead))
	}
	if dead[0].FollowerCursor != 0 || dead[0].RangeEnd != followers[1].ID {
		t.Fatalf("first batch covers (%d, %d], want (0, %d]",
			dead[0].FollowerCursor, dead[0].RangeEnd, followers[1].ID)
	}
	if dead[1].FollowerCursor != followers[1].ID || dead[1].RangeEnd != followers[3].ID {
		t.Fatalf("second batch covers (%d, %d], want (%d, %d]",
			dead[1].FollowerCursor, dead[1].RangeEnd, followers[1].ID, followers[3].ID)
	}
	for _, batch := range dead {
		if batch.PostID != post.ID || len(batch.LastError) == 0 {
			t.Fatalf("dead-letter batch must record its post and failure, got %+v", batch)
		}
	}

	count, err := CountDeadLetterJobs()
	if err != nil {
		t.Fatalf("unable to count dead-letter jobs: %v", err)
	}
	if count != 2 {
		t.Fatalf("dead-letter count %d, want 2", count)
	}
}

func TestSweepReclaimsPendingJobs(t *testing.T) {
	resetState(t)

	author := mustAccount(t, "author")
	follower := mustAccount(t, "reader")
	mustFollow(t, follower, author)

	post := mustPost(t, author, "delivered after restart")

	// No workers are running in tests, so the job sits pending exactly as
	// it would after a crash between enqueue and delivery.
	var job models.FanOutJob
	if err := database.C.Where("post_id = ?", post.ID).First(&job).Error; err != nil {
		t.Fatalf("dispatcher did not create a job: %v", err)
	}
	if job.Status != models.FanOutJobPending {
		t.Fatalf("job status %q, want pending", job.Status)
	}

	processAllJobs(t)

	if count := countFeedEntries(t, follower.ID); count != 1 {
		t.Fatalf("follower has %d entries after sweep, want 1", count)
	}
}
