package services

import (
	"context"
	"testing"

	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/models"
)

func TestDeleteAccountCascade(t *testing.T) {
	resetState(t)

	reader := mustAccount(t, "reader")
	doomed := mustAccount(t, "doomed")
	other := mustAccount(t, "other")

	mustFollow(t, reader, doomed)
	mustFollow(t, doomed, other)

	post := mustPost(t, doomed, "orphaned soon")
	processAllJobs(t)

	if err := DeleteAccount(doomed); err != nil {
		t.Fatalf("unable to delete account: %v", err)
	}

	// Posts persist without an author.
	var orphan models.Post
	if err := database.C.Where("id = ?", post.ID).First(&orphan).Error; err != nil {
		t.Fatalf("post must survive author deletion: %v", err)
	}
	if orphan.AuthorID != nil {
		t.Fatalf("surviving post must lose its author, got %v", *orphan.AuthorID)
	}

	// Edges touching the account are gone and counterparts decremented.
	var edges int64
	database.C.Model(&models.Relationship{}).
		Where("follower_id = ? OR followee_id = ?", doomed.ID, doomed.ID).
		Count(&edges)
	if edges != 0 {
		t.Fatalf("cascade left %d edges behind", edges)
	}
	if got := reloadAccount(t, reader.ID); got.TotalFollowing != 0 {
		t.Fatalf("follower counterpart not decremented, got %d", got.TotalFollowing)
	}
	if got := reloadAccount(t, other.ID); got.TotalFollowers != 0 {
		t.Fatalf("followee counterpart not decremented, got %d", got.TotalFollowers)
	}

	// The reader's materialized entry stays readable.
	if count := countFeedEntries(t, reader.ID); count != 1 {
		t.Fatalf("reader lost feed entries in cascade, has %d", count)
	}
	page, err := GetTimeline(context.Background(), reader, nil, 20)
	if err != nil {
		t.Fatalf("unable to read timeline after cascade: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Post.ID != post.ID {
		t.Fatalf("orphaned post missing from timeline: %+v", page.Items)
	}
	if page.Items[0].Post.AuthorID != nil {
		t.Fatal("timeline must surface the orphaned post without an author")
	}
}

func TestRecountRepairsDrift(t *testing.T) {
	resetState(t)

	alice := mustAccount(t, "alice")
	bob := mustAccount(t, "bob")
	mustFollow(t, alice, bob)
	mustPost(t, bob, "counted")

	// Corrupt the counters the way a lost transaction would.
	if err := database.C.Model(&models.Account{}).
		Where("id = ?", bob.ID).
		Updates(map[string]any{
			"total_followers": 40,
			"total_posts":     0,
		}).Error; err != nil {
		t.Fatalf("unable to corrupt counters: %v", err)
	}

	RecountAccountTotals()

	got := reloadAccount(t, bob.ID)
	if got.TotalFollowers != 1 || got.TotalPosts != 1 {
		t.Fatalf("recount left counters at followers=%d posts=%d", got.TotalFollowers, got.TotalPosts)
	}
}

func TestDeletePostKeepsLedgerConsistent(t *testing.T) {
	resetState(t)

	reader := mustAccount(t, "reader")
	writer := mustAccount(t, "writer")
	mustFollow(t, reader, writer)

	keep := mustPost(t, writer, "keep me")
	drop := mustPost(t, writer, "drop me")
	processAllJobs(t)

	dropped, err := GetPost(database.C, drop.ID)
	if err != nil {
		t.Fatalf("unable to load post: %v", err)
	}
	if err := DeletePost(dropped); err != nil {
		t.Fatalf("unable to delete post: %v", err)
	}

	if got := reloadAccount(t, writer.ID); got.TotalPosts != 1 {
		t.Fatalf("post counter %d after delete, want 1", got.TotalPosts)
	}

	var stale int64
	database.C.Model(&models.FeedEntry{}).Where("post_id = ?", drop.ID).Count(&stale)
	if stale != 0 {
		t.Fatalf("deleted post left %d feed entries", stale)
	}

	page, err := GetTimeline(context.Background(), reader, nil, 20)
	if err != nil {
		t.Fatalf("unable to read timeline: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Post.ID != keep.ID {
		t.Fatalf("timeline inconsistent after delete: %+v", page.Items)
	}
}

func TestAccountCountersSnapshot(t *testing.T) {
	resetState(t)

	alice := mustAccount(t, "alice")
	bob := mustAccount(t, "bob")
	mustFollow(t, alice, bob)
	mustPost(t, bob, "first")

	counters, err := GetAccountCounters(bob.ID)
	if err != nil {
		t.Fatalf("unable to get counters: %v", err)
	}
	if counters.TotalFollowers != 1 || counters.TotalPosts != 1 {
		t.Fatalf("counter snapshot wrong: %+v", counters)
	}
}
