package models

// Account is the local projection of an identity resolved by the gateway.
// The Total* columns are counter caches maintained inside the same
// transaction as the writes they summarize; they are recomputable from the
// relationships and posts tables and must never go negative.
type Account struct {
	BaseModel

	Name string `json:"name" gorm:"uniqueIndex"`
	Nick string `json:"nick"`

	TotalFollowers int64 `json:"total_followers"`
	TotalFollowing int64 `json:"total_following"`
	TotalPosts     int64 `json:"total_posts"`
}
