package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"github.com/meridian-social/horizon/pkg/internal/models"
	"github.com/meridian-social/horizon/pkg/internal/services"
)

func getTimeline(c *fiber.Ctx) error {
	user, authenticated := c.Locals("user").(models.Account)
	if !authenticated {
		return fiber.NewError(fiber.StatusUnauthorized, "gateway identity is required")
	}

	take := c.QueryInt("take", 20)

	var cursor *string
	if token := c.Query("cursor"); len(token) > 0 {
		cursor = lo.ToPtr(token)
	}

	page, err := services.GetTimeline(c.UserContext(), user, cursor, take)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCursor) {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(page)
}
