package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"github.com/spf13/viper"

	localCache "github.com/meridian-social/horizon/pkg/internal/cache"
	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/models"
)

const (
	TimelineSourceMaterialized = "materialized"
	TimelineSourceOnDemand     = "on_demand"
)

type TimelineEntry struct {
	Post   models.Post `json:"post"`
	Source string      `json:"source"`
}

type TimelinePage struct {
	Items      []TimelineEntry `json:"items"`
	NextCursor *string         `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
}

type timelineCursor struct {
	LastID uint `json:"last_id"`
}

// The cursor is an opaque token around the last-seen post id. Should id
// generation ever stop being a single monotonic sequence, this codec is the
// one place that grows a (created_at, id) composite.
func encodeCursor(lastID uint) string {
	raw, _ := jsoniter.Marshal(timelineCursor{LastID: lastID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (uint, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	var cursor timelineCursor
	if err := jsoniter.Unmarshal(raw, &cursor); err != nil {
		return 0, ErrInvalidCursor
	}
	if cursor.LastID == 0 {
		return 0, ErrInvalidCursor
	}
	return cursor.LastID, nil
}

func timelineCacheKey(ownerID uint, take int) string {
	return fmt.Sprintf("timeline-first-page#%d:%d", ownerID, take)
}

// GetTimeline assembles one reverse-chronological page for the owner. The
// materialized feed covers followees below the fan-out threshold; followees
// above it, plus the owner's own posts, are merged in from the post store
// at read time. Both streams share the same cursor bound, so a fixed cursor
// always yields the same page.
func GetTimeline(ctx context.Context, owner models.Account, cursorToken *string, take int) (TimelinePage, error) {
	var page TimelinePage
	if take <= 0 {
		take = 20
	}
	if take > 100 {
		take = 100
	}

	var before uint
	if cursorToken != nil && len(*cursorToken) > 0 {
		var err error
		if before, err = decodeCursor(*cursorToken); err != nil {
			return page, err
		}
	}

	cacheManager := cache.New[any](localCache.S)
	marshal := marshaler.New(cacheManager)

	firstPage := before == 0
	if firstPage {
		if hit, err := marshal.Get(ctx, timelineCacheKey(owner.ID, take), new(TimelinePage)); err == nil {
			return *hit.(*TimelinePage), nil
		}
	}

	materialized, err := listMaterializedEntries(ctx, owner.ID, before, take+1)
	if err != nil {
		return page, err
	}

	onDemandIDs, err := ListOnDemandFolloweeIDs(owner.ID, fanOutCfg.Threshold)
	if err != nil {
		return page, err
	}
	// The owner's own posts are never fanned out to themselves; they ride
	// the on-demand stream.
	onDemandIDs = append(onDemandIDs, owner.ID)

	onDemandPosts, err := ListPostByAuthorsBefore(onDemandIDs, before, take+1)
	if err != nil {
		return page, err
	}

	onDemand := lo.Map(onDemandPosts, func(post models.Post, _ int) TimelineEntry {
		return TimelineEntry{Post: post, Source: TimelineSourceOnDemand}
	})

	combined := mergeTimelineStreams(materialized, onDemand)

	page.HasMore = len(combined) > take
	if page.HasMore {
		combined = combined[:take]
	}
	page.Items = combined
	if page.HasMore && len(combined) > 0 {
		page.NextCursor = lo.ToPtr(encodeCursor(combined[len(combined)-1].Post.ID))
	}

	if firstPage {
		// Population is allowed to outlive a cancelled request; the page is
		// already built and future readers benefit.
		_ = marshal.Set(
			context.Background(),
			timelineCacheKey(owner.ID, take),
			page,
			store.WithExpiration(viper.GetDuration("cache.timeline_ttl")),
			store.WithTags([]string{fmt.Sprintf("timeline#%d", owner.ID)}),
		)
	}

	return page, nil
}

func listMaterializedEntries(ctx context.Context, ownerID uint, before uint, limit int) ([]TimelineEntry, error) {
	// The lookahead limit must count only posts that can actually render:
	// filtering redacted or deleted posts after the limit would shrink the
	// page and stall the cursor, so the join does it inside the same query.
	tx := database.C.WithContext(ctx).Model(&models.FeedEntry{}).
		Joins("JOIN posts ON posts.id = feed_entries.post_id AND posts.redacted = ?", false).
		Where("feed_entries.account_id = ?", ownerID)
	if before > 0 {
		tx = tx.Where("feed_entries.post_id < ?", before)
	}

	var postIDs []uint
	if err := tx.Order("feed_entries.post_id DESC").Limit(limit).
		Pluck("feed_entries.post_id", &postIDs).Error; err != nil {
		return nil, fmt.Errorf("unable to read materialized feed: %v", err)
	}
	if len(postIDs) == 0 {
		return nil, nil
	}

	var posts []models.Post
	if err := database.C.WithContext(ctx).
		Preload("Author").
		Where("id IN ?", postIDs).
		Find(&posts).Error; err != nil {
		return nil, fmt.Errorf("unable to resolve feed entries: %v", err)
	}
	postIndex := lo.SliceToMap(posts, func(post models.Post) (uint, models.Post) {
		return post.ID, post
	})

	// A post deleted between the two queries simply drops out of the page.
	return lo.FilterMap(postIDs, func(postID uint, _ int) (TimelineEntry, bool) {
		post, ok := postIndex[postID]
		return TimelineEntry{Post: post, Source: TimelineSourceMaterialized}, ok
	}), nil
}

// mergeTimelineStreams merge-sorts two id-descending streams into one,
// deduplicating by post id. Ties across streams can only be the same post
// seen twice (an author crossing the threshold mid-delivery), so the
// materialized copy wins and ascending-id order breaks any remaining tie
// deterministically.
func mergeTimelineStreams(a, b []TimelineEntry) []TimelineEntry {
	combined := make([]TimelineEntry, 0, len(a)+len(b))
	seen := make(map[uint]bool, len(a)+len(b))

	for _, entry := range append(a, b...) {
		if seen[entry.Post.ID] {
			continue
		}
		seen[entry.Post.ID] = true
		combined = append(combined, entry)
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Post.ID > combined[j].Post.ID
	})

	return combined
}

// InvalidateTimelineFirstPage drops the cached first pages of one owner.
// Feed pages otherwise rely on their short TTL; pushing invalidations to
// every follower of every author does not scale.
func InvalidateTimelineFirstPage(ownerID uint) {
	cacheManager := cache.New[any](localCache.S)
	_ = cacheManager.Invalidate(
		context.Background(),
		store.WithInvalidateTags([]string{fmt.Sprintf("timeline#%d", ownerID)}),
	)
}
