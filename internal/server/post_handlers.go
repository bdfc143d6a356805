package server

import (
	"context"

	"blockverse/internal/feed"
	"blockverse/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ensureLoaded fetches the first page of l unless it is already cached.
func ensureLoaded[T feed.Entity](ctx context.Context, l *feed.List[T]) error {
	if l.Loaded() {
		return nil
	}
	_, err := l.LoadPage(ctx, 0)
	return err
}

func listResponse[T feed.Entity](l *feed.List[T]) pageResponse[T] {
	items := l.Items()
	if items == nil {
		items = []T{}
	}
	return pageResponse[T]{Items: items, HasMore: l.HasMore()}
}

// GetFeed handles GET /api/feed
func (s *Server) GetFeed(c *fiber.Ctx) error {
	if err := ensureLoaded(c.UserContext(), s.views.Feed); err != nil {
		return respondError(c, err)
	}
	return c.JSON(listResponse(s.views.Feed))
}

// LoadMoreFeed handles POST /api/feed/more
func (s *Server) LoadMoreFeed(c *fiber.Ctx) error {
	if _, err := s.views.Feed.LoadMore(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(listResponse(s.views.Feed))
}

// RefreshFeed handles POST /api/feed/refresh
func (s *Server) RefreshFeed(c *fiber.Ctx) error {
	if err := s.views.Feed.Refresh(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(listResponse(s.views.Feed))
}

// CreatePost handles POST /api/posts
func (s *Server) CreatePost(c *fiber.Ctx) error {
	var req struct {
		Content  string  `json:"content"`
		MediaURL *string `json:"media_url,omitempty"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	post, err := s.engine.CreatePost(c.UserContext(), req.Content, req.MediaURL)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(post)
}

// GetPost handles GET /api/posts/:id
func (s *Server) GetPost(c *fiber.Ctx) error {
	post, err := s.views.LoadPost(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(post)
}

// RemovePost handles DELETE /api/posts/:id
func (s *Server) RemovePost(c *fiber.Ctx) error {
	if err := s.engine.RemovePost(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// LikePost handles POST /api/posts/:id/like
func (s *Server) LikePost(c *fiber.Ctx) error {
	return s.setLike(c, true)
}

// UnlikePost handles DELETE /api/posts/:id/like
func (s *Server) UnlikePost(c *fiber.Ctx) error {
	return s.setLike(c, false)
}

func (s *Server) setLike(c *fiber.Ctx, like bool) error {
	id := c.Params("id")
	var err error
	if like {
		err = s.engine.LikePost(c.UserContext(), id)
	} else {
		err = s.engine.UnlikePost(c.UserContext(), id)
	}
	if err != nil {
		return respondError(c, err)
	}
	post, ok := s.views.FindPost(id)
	if !ok {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(post)
}

// SharePost handles POST /api/posts/:id/share
func (s *Server) SharePost(c *fiber.Ctx) error {
	var req struct {
		Comment *string `json:"comment,omitempty"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	share, err := s.engine.SharePost(c.UserContext(), c.Params("id"), req.Comment)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(share)
}

// GetComments handles GET /api/posts/:id/comments
func (s *Server) GetComments(c *fiber.Ctx) error {
	list := s.views.Comments(c.Params("id"))
	if c.QueryBool("refresh") {
		if err := list.Refresh(c.UserContext()); err != nil {
			return respondError(c, err)
		}
	} else if err := ensureLoaded(c.UserContext(), list); err != nil {
		return respondError(c, err)
	}
	return c.JSON(listResponse(list))
}

// CloseComments handles DELETE /api/posts/:id/comments when the post's
// detail view closes.
func (s *Server) CloseComments(c *fiber.Ctx) error {
	s.views.DropComments(c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

// CreateComment handles POST /api/posts/:id/comments
func (s *Server) CreateComment(c *fiber.Ctx) error {
	var req struct {
		Content string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	comment, err := s.engine.CreateComment(c.UserContext(), c.Params("id"), req.Content)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(comment)
}

// LikeComment handles POST /api/comments/:id/like
func (s *Server) LikeComment(c *fiber.Ctx) error {
	var req struct {
		PostID string `json:"postId"`
	}
	if err := c.BodyParser(&req); err != nil || req.PostID == "" {
		return badRequest(c, "postId is required")
	}

	if err := s.engine.LikeComment(c.UserContext(), req.PostID, c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SearchPosts handles GET /api/search/posts?q=...
func (s *Server) SearchPosts(c *fiber.Ctx) error {
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
	posts, err := a.SearchPosts(ctx, q)
	if err != nil {
		return respondError(c, err)
	}
	if posts == nil {
		posts = []models.Post{}
	}
	return c.JSON(posts)
}

func (s *Server) callContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	if s.config.CallTimeout <= 0 {
		return context.WithCancel(c.UserContext())
	}
	return context.WithTimeout(c.UserContext(), s.config.CallTimeout)
}
