package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/meridian-social/horizon/pkg/internal/models"
	"github.com/meridian-social/horizon/pkg/internal/services"
)

// checkRelationship answers "does the requesting account follow this one",
// which is all a follow button needs.
func checkRelationship(c *fiber.Ctx) error {
	user, authenticated := c.Locals("user").(models.Account)
	if !authenticated {
		return fiber.NewError(fiber.StatusUnauthorized, "gateway identity is required")
	}

	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}

	following, err := services.IsFollowing(user.ID, uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{
		"following": following,
	})
}

func listFollowingIDs(c *fiber.Ctx) error {
	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}
	account, err := services.GetAccountWithID(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	ids, err := services.ListFollowingIDs(account.ID)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{
		"count": account.TotalFollowing,
		"data":  ids,
	})
}

func followAccount(c *fiber.Ctx) error {
	user, authenticated := c.Locals("user").(models.Account)
	if !authenticated {
		return fiber.NewError(fiber.StatusUnauthorized, "gateway identity is required")
	}

	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}
	followee, err := services.GetAccountWithID(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	relationship, err := services.FollowAccount(user, followee)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSelfFollow):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrAlreadyFollowing):
			return fiber.NewError(fiber.StatusConflict, err.Error())
		default:
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
	}

	return c.JSON(relationship)
}

func unfollowAccount(c *fiber.Ctx) error {
	user, authenticated := c.Locals("user").(models.Account)
	if !authenticated {
		return fiber.NewError(fiber.StatusUnauthorized, "gateway identity is required")
	}

	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}
	followee, err := services.GetAccountWithID(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	if err := services.UnfollowAccount(user, followee); err != nil {
		if errors.Is(err, services.ErrNotFollowing) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.SendStatus(fiber.StatusNoContent)
}
