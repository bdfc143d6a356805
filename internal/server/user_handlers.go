package server

import (
	"bytes"
	"encoding/json"

	"blockverse/internal/models"
	"blockverse/internal/mutation"

	"github.com/gofiber/fiber/v2"
)

// GetUserProfile handles GET /api/users/:id
func (s *Server) GetUserProfile(c *fiber.Ctx) error {
	id := models.Principal(c.Params("id"))
	if cached, ok := s.views.Profiles.Get(id.String()); ok && !c.QueryBool("refresh") {
		return c.JSON(s.profileResponse(cached))
	}
	u, err := s.views.LoadProfile(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(s.profileResponse(u))
}

type profileResponse struct {
	models.UserProfile
	IsFollowing    bool   `json:"is_following"`
	BalanceDisplay string `json:"balance_display"`
}

func (s *Server) profileResponse(u models.UserProfile) profileResponse {
	return profileResponse{
		UserProfile:    u,
		IsFollowing:    s.engine.IsFollowing(u.ID),
		BalanceDisplay: models.FormatE8s(u.Balance),
	}
}

// GetUserPosts handles GET /api/users/:id/posts
func (s *Server) GetUserPosts(c *fiber.Ctx) error {
	list := s.views.UserPosts(models.Principal(c.Params("id")))
	if c.QueryBool("refresh") {
		if err := list.Refresh(c.UserContext()); err != nil {
			return respondError(c, err)
		}
	} else if err := ensureLoaded(c.UserContext(), list); err != nil {
		return respondError(c, err)
	}
	return c.JSON(listResponse(list))
}

// CloseUserPosts handles DELETE /api/users/:id/posts when the profile view
// closes.
func (s *Server) CloseUserPosts(c *fiber.Ctx) error {
	s.views.DropUserPosts(models.Principal(c.Params("id")))
	return c.SendStatus(fiber.StatusNoContent)
}

// GetUserFollowers handles GET /api/users/:id/followers
func (s *Server) GetUserFollowers(c *fiber.Ctx) error {
	a, err := s.session.CurrentActor()
	if err != nil {
		return respondError(c, err)
	}

	ctx, cancel := s.callContext(c)
	defer cancel()
	followers, err := a.GetUserFollowers(ctx, models.Principal(c.Params("id")))
	if err != nil {
		return respondError(c, err)
	}
	if followers == nil {
		followers = []models.Principal{}
	}
	return c.JSON(fiber.Map{"followers": followers, "count": len(followers)})
}

// FollowUser handles POST /api/users/:id/follow
func (s *Server) FollowUser(c *fiber.Ctx) error {
	if err := s.engine.FollowUser(c.UserContext(), models.Principal(c.Params("id"))); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"following": true})
}

// UnfollowUser handles DELETE /api/users/:id/follow
func (s *Server) UnfollowUser(c *fiber.Ctx) error {
	if err := s.engine.UnfollowUser(c.UserContext(), models.Principal(c.Params("id"))); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"following": false})
}

// TipUser handles POST /api/users/:id/tip with {"amount": e8s}
func (s *Server) TipUser(c *fiber.Ctx) error {
	var req struct {
		Amount any `json:"amount"`
	}
	dec := json.NewDecoder(bytes.NewReader(c.Body()))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewInvalidAmountError("Invalid request body"))
	}
	// A self-tip is reported as such whatever the amount.
	target := models.Principal(c.Params("id"))
	amount, err := mutation.ParseAmountE8s(req.Amount)
	if err != nil && target != principal(c) {
		return respondError(c, err)
	}

	if err := s.engine.TipUser(c.UserContext(), target, amount); err != nil {
		return respondError(c, err)
	}
	user, _ := s.session.CurrentUser()
	return c.JSON(fiber.Map{
		"balance":         user.Balance,
		"balance_display": models.FormatE8s(user.Balance),
	})
}

// UpdateProfile handles PUT /api/profile
func (s *Server) UpdateProfile(c *fiber.Ctx) error {
	var req struct {
		Bio       string `json:"bio"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	u, err := s.engine.UpdateProfile(c.UserContext(), req.Bio, req.AvatarURL)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(u)
}

// GetBalance handles GET /api/balance
func (s *Server) GetBalance(c *fiber.Ctx) error {
	balance, err := s.engine.RefreshBalance(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"balance":         balance,
		"balance_display": models.FormatE8s(balance),
	})
}

// SearchUsers handles GET /api/search/users?q=...
func (s *Server) SearchUsers(c *fiber.Ctx) error {
	q := c.Query("q")
	if q == "" {
		return badRequest(c, "Search query is required")
	}
	a, err := s.session.CurrentActor()
	if err != nil {
		return respondError(c, err)
	}

	ctx, cancel := s.callContext(c)
	defer cancel()
	users, err := a.SearchUsers(ctx, q)
	if err != nil {
		return respondError(c, err)
	}
	if users == nil {
		users = []models.UserProfile{}
	}
	return c.JSON(users)
}
