package models

import "time"

// FeedEntry is one materialized "post the owner should see" pointer. The
// composite primary key doubles as the uniqueness constraint that makes
// fan-out delivery idempotent, and as the (account_id, post_id DESC) read
// index for cursor pagination.
type FeedEntry struct {
	AccountID uint      `json:"account_id" gorm:"primaryKey;autoIncrement:false"`
	PostID    uint      `json:"post_id" gorm:"primaryKey;autoIncrement:false"`
	AuthorID  *uint     `json:"author_id" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	FanOutJobPending = "pending"
	FanOutJobRunning = "running"
	FanOutJobDone    = "done"
	FanOutJobDead    = "dead"
)

// FanOutJob is one durable unit of delivery work. FollowerCursor is the last
// follower account id already delivered, so a crashed or parked job resumes
// where it stopped instead of starting over. A permanently failed batch is
// parked as its own dead row spanning (FollowerCursor, RangeEnd] while the
// live job keeps delivering past it.
type FanOutJob struct {
	BaseModel

	PostID   uint `json:"post_id" gorm:"index"`
	AuthorID uint `json:"author_id"`

	FollowerCursor uint `json:"follower_cursor"`
	// RangeEnd bounds the follower range a dead-letter row covers; live
	// jobs leave it zero.
	RangeEnd  uint   `json:"range_end"`
	Status    string `json:"status" gorm:"type:varchar(16);index"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error"`

	ProcessedAt *time.Time `json:"processed_at"`
}
