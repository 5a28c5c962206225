package models

// Post ids come from a single monotonic sequence, so id order and creation
// order agree; the timeline cursor depends on that property.
type Post struct {
	BaseModel

	Content string `json:"content"`

	// AuthorID goes null when the author account is deleted; the post
	// itself persists.
	AuthorID *uint    `json:"author_id" gorm:"index"`
	Author   *Account `json:"author" gorm:"foreignKey:AuthorID"`

	ReplyID *uint  `json:"reply_id"`
	ReplyTo *Post  `json:"reply_to" gorm:"foreignKey:ReplyID"`
	Replies []Post `json:"replies" gorm:"foreignKey:ReplyID"`

	// Redacted is owned by the moderation collaborator; the read path only
	// filters on it.
	Redacted bool `json:"redacted"`

	Metric PostMetric `json:"metric" gorm:"-"`
}

type PostMetric struct {
	ReplyCount int64 `json:"reply_count"`
}
