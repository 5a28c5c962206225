package models

// Relationship is a follower -> followee edge, stored once and indexed from
// both sides. The pair is unique and self-edges are rejected before insert.
type Relationship struct {
	BaseModel

	FollowerID uint `json:"follower_id" gorm:"uniqueIndex:idx_relationships_pair;index"`
	FolloweeID uint `json:"followee_id" gorm:"uniqueIndex:idx_relationships_pair;index"`

	Follower Account `json:"follower" gorm:"foreignKey:FollowerID"`
	Followee Account `json:"followee" gorm:"foreignKey:FolloweeID"`
}
