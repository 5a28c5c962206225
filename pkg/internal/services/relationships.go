package services

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/models"
)

func GetRelationship(followerID, followeeID uint) (*models.Relationship, error) {
	var relationship models.Relationship
	if err := database.C.
		Where("follower_id = ? AND followee_id = ?", followerID, followeeID).
		First(&relationship).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to get relationship: %v", err)
	}
	return &relationship, nil
}

func IsFollowing(followerID, followeeID uint) (bool, error) {
	relationship, err := GetRelationship(followerID, followeeID)
	return relationship != nil, err
}

// FollowAccount creates the edge and bumps both accounts' counters in one
// transaction. A duplicate follow is rejected before anything is written, so
// the counters only ever move together with the edge.
func FollowAccount(follower, followee models.Account) (models.Relationship, error) {
	var relationship models.Relationship
	if follower.ID == followee.ID {
		return relationship, ErrSelfFollow
	}

	if existing, err := GetRelationship(follower.ID, followee.ID); err != nil {
		return relationship, err
	} else if existing != nil {
		return relationship, ErrAlreadyFollowing
	}

	relationship = models.Relationship{
		FollowerID: follower.ID,
		FolloweeID: followee.ID,
	}

	err := database.C.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&relationship).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Account{}).Where("id = ?", follower.ID).
			Update("total_following", gorm.Expr("total_following + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&models.Account{}).Where("id = ?", followee.ID).
			Update("total_followers", gorm.Expr("total_followers + 1")).Error
	})
	if err != nil {
		return relationship, fmt.Errorf("unable to create relationship: %v", err)
	}

	InvalidateAccountCounters(follower.ID, followee.ID)
	InvalidateTimelineFirstPage(follower.ID)

	return relationship, nil
}

// UnfollowAccount removes the edge with the symmetric guarded decrement.
// Materialized feed entries from the former followee are pruned out of band;
// until then the owner may still scroll past them, which the read path
// tolerates.
func UnfollowAccount(follower, followee models.Account) error {
	relationship, err := GetRelationship(follower.ID, followee.ID)
	if err != nil {
		return err
	}
	if relationship == nil {
		return ErrNotFollowing
	}

	err = database.C.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(relationship).Error; err != nil {
			return err
		}
		if err := decrementCounter(tx, "total_following", []uint{follower.ID}); err != nil && !errors.Is(err, ErrCounterUnderflow) {
			return err
		}
		if err := decrementCounter(tx, "total_followers", []uint{followee.ID}); err != nil && !errors.Is(err, ErrCounterUnderflow) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to delete relationship: %v", err)
	}

	InvalidateAccountCounters(follower.ID, followee.ID)
	InvalidateTimelineFirstPage(follower.ID)

	go PruneFeedEntries(follower.ID, followee.ID)

	return nil
}

// PruneFeedEntries drops materialized entries the owner is no longer
// entitled to after an unfollow. Best effort; leftovers are harmless and
// age out of the scroll window naturally.
func PruneFeedEntries(ownerID, authorID uint) {
	if err := database.C.
		Where("account_id = ? AND author_id = ?", ownerID, authorID).
		Delete(&models.FeedEntry{}).Error; err != nil {
		log.Warn().Err(err).
			Uint("owner", ownerID).
			Uint("author", authorID).
			Msg("An error occurred when pruning feed entries...")
	}
}

func ListFollowers(account models.Account, take int, offset int) ([]models.Account, error) {
	if take > 100 {
		take = 100
	}
	var accounts []models.Account
	if err := database.C.
		Where("id IN (?)",
			database.C.Model(&models.Relationship{}).
				Select("follower_id").Where("followee_id = ?", account.ID),
		).
		Limit(take).Offset(offset).
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("unable to list followers: %v", err)
	}
	return accounts, nil
}

func ListFollowing(account models.Account, take int, offset int) ([]models.Account, error) {
	if take > 100 {
		take = 100
	}
	var accounts []models.Account
	if err := database.C.
		Where("id IN (?)",
			database.C.Model(&models.Relationship{}).
				Select("followee_id").Where("follower_id = ?", account.ID),
		).
		Limit(take).Offset(offset).
		Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("unable to list following: %v", err)
	}
	return accounts, nil
}

func ListFollowingIDs(accountID uint) ([]uint, error) {
	var ids []uint
	if err := database.C.Model(&models.Relationship{}).
		Where("follower_id = ?", accountID).
		Pluck("followee_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("unable to list following ids: %v", err)
	}
	return ids, nil
}

// ListFollowerIDsAfter pages a follower set in stable account-id order; the
// fan-out workers use it to walk arbitrarily large audiences in bounded
// batches.
func ListFollowerIDsAfter(followeeID uint, after uint, limit int) ([]uint, error) {
	var ids []uint
	if err := database.C.Model(&models.Relationship{}).
		Where("followee_id = ? AND follower_id > ?", followeeID, after).
		Order("follower_id ASC").
		Limit(limit).
		Pluck("follower_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("unable to page follower ids: %v", err)
	}
	return ids, nil
}

// ListOnDemandFolloweeIDs returns the followees whose audiences are too
// large for fan-out-on-write; their posts are merged into the timeline at
// read time instead.
func ListOnDemandFolloweeIDs(accountID uint, threshold int64) ([]uint, error) {
	var ids []uint
	if err := database.C.Model(&models.Relationship{}).
		Joins("JOIN accounts ON accounts.id = relationships.followee_id").
		Where("relationships.follower_id = ?", accountID).
		Where("accounts.total_followers > ?", threshold).
		Pluck("relationships.followee_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("unable to list on-demand followees: %v", err)
	}
	return ids, nil
}
