package api

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/meridian-social/horizon/pkg/internal/services"
)

// The auth collaborator runs in the gateway and passes the resolved account
// id downstream; this layer trusts the header and never checks credentials.
func gatewayIdentity(c *fiber.Ctx) error {
	raw := c.Get("X-Account-ID")
	if len(raw) == 0 {
		return c.Next()
	}

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid account id from gateway")
	}

	account, err := services.GetAccountWithID(uint(id))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}

	c.Locals("user", account)
	return c.Next()
}

func MapAPIs(app *fiber.App, baseURL string) {
	api := app.Group(baseURL).Name("API").Use(gatewayIdentity)
	{
		accounts := api.Group("/accounts").Name("Accounts API")
		{
			accounts.Post("/", createAccount)
			accounts.Get("/:accountId", getAccount)
			accounts.Delete("/:accountId", deleteAccount)
			accounts.Get("/:accountId/counters", getAccountCounters)
			accounts.Get("/:accountId/followers", listFollowers)
			accounts.Get("/:accountId/following", listFollowing)
			accounts.Get("/:accountId/following/ids", listFollowingIDs)
			accounts.Get("/:accountId/follow", checkRelationship)
			accounts.Post("/:accountId/follow", followAccount)
			accounts.Delete("/:accountId/follow", unfollowAccount)
		}

		posts := api.Group("/posts").Name("Posts API")
		{
			posts.Post("/", createPost)
			posts.Get("/:postId", getPost)
			posts.Delete("/:postId", deletePost)
			posts.Get("/:postId/replies", listPostReplies)
		}

		api.Get("/timeline", getTimeline).Name("Timeline API")
	}
}
