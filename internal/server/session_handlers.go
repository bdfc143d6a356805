package server

import (
	"github.com/gofiber/fiber/v2"
)

// GetSession handles GET /api/session
func (s *Server) GetSession(c *fiber.Ctx) error {
	return c.JSON(s.session.Snapshot())
}

// Login handles POST /api/session/login. It blocks until the login flow
// completes.
func (s *Server) Login(c *fiber.Ctx) error {
	if err := s.session.Login(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(s.session.Snapshot())
}

// Logout handles POST /api/session/logout
func (s *Server) Logout(c *fiber.Ctx) error {
	if err := s.session.Logout(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(s.session.Snapshot())
}
