package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/meridian-social/horizon/pkg/internal/http/exts"
	"github.com/meridian-social/horizon/pkg/internal/models"
	"github.com/meridian-social/horizon/pkg/internal/services"
)

func createAccount(c *fiber.Ctx) error {
	var data struct {
		Name string `json:"name" validate:"required,min=2,max=64"`
		Nick string `json:"nick" validate:"max=128"`
	}
	if err := exts.BindAndValidate(c, &data); err != nil {
		return err
	}

	account, err := services.CreateAccount(data.Name, data.Nick)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return c.JSON(account)
}

func getAccount(c *fiber.Ctx) error {
	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}

	account, err := services.GetAccountWithID(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	return c.JSON(account)
}

func getAccountCounters(c *fiber.Ctx) error {
	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}

	counters, err := services.GetAccountCounters(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	return c.JSON(counters)
}

func deleteAccount(c *fiber.Ctx) error {
	user, authenticated := c.Locals("user").(models.Account)
	if !authenticated {
		return fiber.NewError(fiber.StatusUnauthorized, "gateway identity is required")
	}

	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}
	if user.ID != uint(id) {
		return fiber.NewError(fiber.StatusForbidden, "cannot delete other accounts")
	}

	if err := services.DeleteAccount(user); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func listFollowers(c *fiber.Ctx) error {
	take := c.QueryInt("take", 20)
	offset := c.QueryInt("offset", 0)

	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}
	account, err := services.GetAccountWithID(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	items, err := services.ListFollowers(account, take, offset)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{
		"count": account.TotalFollowers,
		"data":  items,
	})
}

func listFollowing(c *fiber.Ctx) error {
	take := c.QueryInt("take", 20)
	offset := c.QueryInt("offset", 0)

	id, err := c.ParamsInt("accountId")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id")
	}
	account, err := services.GetAccountWithID(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	}

	items, err := services.ListFollowing(account, take, offset)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.JSON(fiber.Map{
		"count": account.TotalFollowing,
		"data":  items,
	})
}
