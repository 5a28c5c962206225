package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	localCache "github.com/meridian-social/horizon/pkg/internal/cache"
	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/models"
)

func CreateAccount(name, nick string) (models.Account, error) {
	account := models.Account{
		Name: name,
		Nick: nick,
	}
	if err := database.C.Create(&account).Error; err != nil {
		return account, fmt.Errorf("unable to create account: %v", err)
	}
	return account, nil
}

func GetAccountWithID(id uint) (models.Account, error) {
	var account models.Account
	if err := database.C.Where("id = ?", id).First(&account).Error; err != nil {
		return account, fmt.Errorf("unable to get account by id: %v", err)
	}
	return account, nil
}

type AccountCounters struct {
	TotalFollowers int64 `json:"total_followers"`
	TotalFollowing int64 `json:"total_following"`
	TotalPosts     int64 `json:"total_posts"`
}

func accountCountersCacheKey(id uint) string {
	return fmt.Sprintf("account-counters#%d", id)
}

// GetAccountCounters serves the counter cache for profile pages. Counter
// keys are invalidated precisely on every follow/unfollow/post write, so a
// short TTL only guards against missed invalidations.
func GetAccountCounters(id uint) (AccountCounters, error) {
	cacheManager := cache.New[any](localCache.S)
	marshal := marshaler.New(cacheManager)
	ctx := context.Background()

	if hit, err := marshal.Get(ctx, accountCountersCacheKey(id), new(AccountCounters)); err == nil {
		return *hit.(*AccountCounters), nil
	}

	account, err := GetAccountWithID(id)
	if err != nil {
		return AccountCounters{}, err
	}

	counters := AccountCounters{
		TotalFollowers: account.TotalFollowers,
		TotalFollowing: account.TotalFollowing,
		TotalPosts:     account.TotalPosts,
	}

	_ = marshal.Set(
		ctx,
		accountCountersCacheKey(id),
		counters,
		store.WithExpiration(viper.GetDuration("cache.counter_ttl")),
	)

	return counters, nil
}

func InvalidateAccountCounters(ids ...uint) {
	cacheManager := cache.New[any](localCache.S)
	ctx := context.Background()
	for _, id := range ids {
		_ = cacheManager.Delete(ctx, accountCountersCacheKey(id))
	}
}

// decrementCounter lowers one counter column for a set of accounts, guarded
// so a row already at zero is left untouched. A skipped row means the
// counter and its source table disagree, which the next recount run will
// repair; the caller gets ErrCounterUnderflow so the mismatch is not silent.
func decrementCounter(tx *gorm.DB, column string, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	result := tx.Model(&models.Account{}).
		Where("id IN ?", ids).
		Where(column+" > 0").
		Update(column, gorm.Expr(column+" - 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected < int64(len(ids)) {
		log.Error().
			Str("column", column).
			Int64("affected", result.RowsAffected).
			Int("expected", len(ids)).
			Msg("Counter underflow detected, waiting for reconciliation...")
		return ErrCounterUnderflow
	}
	return nil
}

// DeleteAccount removes the account, its relationship edges and its feed,
// decrementing every counterpart's counters in the same transaction. Posts
// survive with a null author so replies and feeds stay readable.
func DeleteAccount(account models.Account) error {
	var edges []models.Relationship
	if err := database.C.
		Where("follower_id = ? OR followee_id = ?", account.ID, account.ID).
		Find(&edges).Error; err != nil {
		return fmt.Errorf("unable to list relationships for cascade: %v", err)
	}

	followeeIDs := lo.FilterMap(edges, func(edge models.Relationship, _ int) (uint, bool) {
		return edge.FolloweeID, edge.FollowerID == account.ID
	})
	followerIDs := lo.FilterMap(edges, func(edge models.Relationship, _ int) (uint, bool) {
		return edge.FollowerID, edge.FolloweeID == account.ID
	})

	err := database.C.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("follower_id = ? OR followee_id = ?", account.ID, account.ID).
			Delete(&models.Relationship{}).Error; err != nil {
			return err
		}
		if err := decrementCounter(tx, "total_followers", followeeIDs); err != nil && !errors.Is(err, ErrCounterUnderflow) {
			return err
		}
		if err := decrementCounter(tx, "total_following", followerIDs); err != nil && !errors.Is(err, ErrCounterUnderflow) {
			return err
		}
		if err := tx.Model(&models.Post{}).
			Where("author_id = ?", account.ID).
			Update("author_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("account_id = ?", account.ID).
			Delete(&models.FeedEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&account).Error
	})
	if err != nil {
		return fmt.Errorf("unable to delete account: %v", err)
	}

	InvalidateAccountCounters(append(followeeIDs, followerIDs...)...)
	InvalidateAccountCounters(account.ID)

	return nil
}

// RecountAccountTotals recomputes every counter cache from source truth.
// Ran periodically for drift correction; counters are only ever a cache of
// a derivable quantity.
func RecountAccountTotals() {
	var accounts []models.Account
	if err := database.C.Find(&accounts).Error; err != nil {
		log.Error().Err(err).Msg("An error occurred when listing accounts for recount...")
		return
	}

	var drifted int
	for _, account := range accounts {
		var followers, following, posts int64
		database.C.Model(&models.Relationship{}).Where("followee_id = ?", account.ID).Count(&followers)
		database.C.Model(&models.Relationship{}).Where("follower_id = ?", account.ID).Count(&following)
		database.C.Model(&models.Post{}).Where("author_id = ?", account.ID).Count(&posts)

		if followers == account.TotalFollowers &&
			following == account.TotalFollowing &&
			posts == account.TotalPosts {
			continue
		}

		drifted++
		log.Warn().
			Uint("account", account.ID).
			Int64("followers", followers).
			Int64("following", following).
			Int64("posts", posts).
			Msg("Counter drift detected, repairing...")

		if err := database.C.Model(&models.Account{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{
				"total_followers": followers,
				"total_following": following,
				"total_posts":     posts,
			}).Error; err != nil {
			log.Error().Err(err).Uint("account", account.ID).Msg("An error occurred when repairing counters...")
			continue
		}
		InvalidateAccountCounters(account.ID)
	}

	if drifted > 0 {
		log.Info().Int("count", drifted).Msg("Counter recount repaired drifted accounts.")
	}
}
