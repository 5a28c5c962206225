package services

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/models"
)

// FilterPostRedacted hides posts the moderation collaborator has flagged.
// Redaction itself happens elsewhere; the read path only honors the flag.
func FilterPostRedacted(tx *gorm.DB) *gorm.DB {
	return tx.Where("redacted = ?", false)
}

func FilterPostWithAuthor(tx *gorm.DB, authorID uint) *gorm.DB {
	return tx.Where("author_id = ?", authorID)
}

func FilterPostBefore(tx *gorm.DB, cursor uint) *gorm.DB {
	return tx.Where("id < ?", cursor)
}

func FilterPostReply(tx *gorm.DB, replyTo ...uint) *gorm.DB {
	if len(replyTo) > 0 && replyTo[0] > 0 {
		return tx.Where("reply_id = ?", replyTo[0])
	} else {
		return tx.Where("reply_id IS NULL")
	}
}

func GetPost(tx *gorm.DB, id uint) (models.Post, error) {
	var item models.Post
	if err := tx.
		Preload("Author").
		Preload("ReplyTo").
		Where("id = ?", id).
		First(&item).Error; err != nil {
		return item, err
	}

	item.Metric = models.PostMetric{
		ReplyCount: CountPostReply(item.ID),
	}

	return item, nil
}

func CountPost(tx *gorm.DB) (int64, error) {
	var count int64
	if err := tx.Model(&models.Post{}).Count(&count).Error; err != nil {
		return count, err
	}

	return count, nil
}

func CountPostReply(id uint) int64 {
	var count int64
	if err := database.C.Model(&models.Post{}).
		Where("reply_id = ?", id).
		Count(&count).Error; err != nil {
		return 0
	}

	return count
}

func ListPost(tx *gorm.DB, take int, offset int, order any) ([]models.Post, error) {
	if take > 100 {
		take = 100
	}

	var items []models.Post
	if err := tx.
		Preload("Author").
		Limit(take).Offset(offset).
		Order(order).
		Find(&items).Error; err != nil {
		return nil, err
	}

	return items, nil
}

// ListPostByAuthorsBefore is the fan-out-on-read source: recent posts from a
// set of authors, bounded by the same cursor as the materialized page so the
// merge stays deterministic.
func ListPostByAuthorsBefore(authorIDs []uint, before uint, limit int) ([]models.Post, error) {
	if len(authorIDs) == 0 {
		return nil, nil
	}

	tx := FilterPostRedacted(database.C).Where("author_id IN ?", authorIDs)
	if before > 0 {
		tx = FilterPostBefore(tx, before)
	}

	var items []models.Post
	if err := tx.
		Preload("Author").
		Order("id DESC").
		Limit(limit).
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("unable to list posts for merge: %v", err)
	}

	return items, nil
}

// CreatePost stores the post and bumps the author's post counter as one
// atomic unit, then hands the post to the fan-out dispatcher. Delivery is
// decoupled: a slow or full queue never fails the creation.
func CreatePost(author models.Account, content string, replyID *uint) (models.Post, error) {
	post := models.Post{
		Content:  content,
		AuthorID: &author.ID,
		ReplyID:  replyID,
	}

	if replyID != nil {
		if _, err := GetPost(database.C, *replyID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return post, fmt.Errorf("related post was not found: %v", err)
			}
			return post, fmt.Errorf("unable to check related post: %v", err)
		}
	}

	err := database.C.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&post).Error; err != nil {
			return err
		}
		return tx.Model(&models.Account{}).Where("id = ?", author.ID).
			Update("total_posts", gorm.Expr("total_posts + 1")).Error
	})
	if err != nil {
		return post, fmt.Errorf("unable to create post: %v", err)
	}

	InvalidateAccountCounters(author.ID)

	if err := DispatchPost(post, author); err != nil {
		log.Warn().Err(err).Uint("post", post.ID).
			Msg("An error occurred when dispatching fan-out, waiting for sweep...")
	}

	return post, nil
}

// DeletePost removes the post, its materialized feed entries and the
// author's counter contribution together.
func DeletePost(post models.Post) error {
	err := database.C.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ?", post.ID).Delete(&models.FeedEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("post_id = ?", post.ID).Delete(&models.FanOutJob{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&post).Error; err != nil {
			return err
		}
		if post.AuthorID != nil {
			if err := decrementCounter(tx, "total_posts", []uint{*post.AuthorID}); err != nil && !errors.Is(err, ErrCounterUnderflow) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("unable to delete post: %v", err)
	}

	if post.AuthorID != nil {
		InvalidateAccountCounters(*post.AuthorID)
	}

	return nil
}
