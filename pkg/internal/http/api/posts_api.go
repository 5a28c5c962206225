package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/meridian-social/horizon/pkg/internal/database"
	"github.com/meridian-social/horizon/pkg/internal/http/exts"
	"github.com/meridian-social/horizon/pkg/internal/models"
	"github.com/meridian-social/horizon/pkg/internal/services"
)

func createPost(c *fiber.Ctx) error {
	user, authenticated := c.Locals("user").(models.Account)
	if !authenticated {
		return fiber.NewError(fiber.StatusUnauthorized, "gateway identity is required")
	}

	// The rate-limit collaborator has already allowed this call by the time
	// it reaches us; the gateway rejects throttled writers upstream.

	var data struct {
		Content string `json:"content" validate:"required,max=4096"`
		ReplyID *uint  `json:"reply_id"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	post, err := services.CreatePost(user, data.Content, data.ReplyID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(post)
}

func getPost(c *fiber.Ctx) error {
	id, err := c.ParamsInt("postId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}

	post, err := services.GetPost(services.FilterPostRedacted(database.C), uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	return c.JSON(post)
}

func deletePost(c *fiber.Ctx) error {
	user, authenticated := c.Locals("user").(models.Account)
	if !authenticated {
		return fiber.NewError(fiber.StatusUnauthorized, "gateway identity is required")
	}

	id, err := c.ParamsInt("postId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}

	post, err := services.GetPost(database.C, uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	if post.AuthorID == nil || *post.AuthorID != user.ID {
		return fiber.NewError(fiber.StatusForbidden, "cannot delete other authors' posts")
	}

	if err := services.DeletePost(post); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func listPostReplies(c *fiber.Ctx) error {
	take := c.QueryInt("take", 20)
	offset := c.QueryInt("offset", 0)

	id, err := c.ParamsInt("postId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid post id")
	}

	tx := services.FilterPostReply(services.FilterPostRedacted(database.C), uint(id))

	count, err := services.CountPost(tx)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	items, err := services.ListPost(tx, take, offset, "id DESC")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(fiber.Map{
		"count": count,
		"data":  items,
	})
}
