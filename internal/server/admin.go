package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/and161185/collabhub/internal/event"
)

// broadcastRequest is the body of the admin broadcast endpoints.
type broadcastRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Kind    string `json:"notification_type"`
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.reg.Stats())
}

func (s *Server) handleUserConnections(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	clientIDs := s.reg.UserConnections(userID)

	infos := make([]any, 0, len(clientIDs))
	for _, id := range clientIDs {
		if info := s.reg.ConnectionInfo(id); info != nil {
			infos = append(infos, info)
		}
	}
	return c.JSON(fiber.Map{
		"user_id":     userID,
		"connections": infos,
		"total":       len(infos),
	})
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	clientID := c.Params("client_id")
	if s.reg.ConnectionInfo(clientID) == nil {
		return fiber.NewError(fiber.StatusNotFound, "connection not found")
	}
	s.reg.Disconnect(clientID, "admin_disconnect")
	return c.JSON(fiber.Map{"client_id": clientID, "disconnected": true})
}

func (s *Server) handleBroadcast(c *fiber.Ctx) error {
	req, err := parseBroadcast(c)
	if err != nil {
		return err
	}
	n := s.reg.BroadcastToAll(notification(req), "")
	return c.JSON(fiber.Map{"recipients": n})
}

func (s *Server) handleRoomBroadcast(c *fiber.Ctx) error {
	roomID := c.Params("room_id")
	req, err := parseBroadcast(c)
	if err != nil {
		return err
	}
	n := s.reg.BroadcastToRoom(roomID, notification(req), "")
	return c.JSON(fiber.Map{"room_id": roomID, "recipients": n})
}

func (s *Server) handleRoomMembers(c *fiber.Ctx) error {
	roomID := c.Params("room_id")
	roster := s.reg.RoomRoster(roomID)
	return c.JSON(fiber.Map{
		"room_id": roomID,
		"members": roster,
		"total":   len(roster),
	})
}

func (s *Server) handleActiveJobs(c *fiber.Ctx) error {
	jobs := s.emitter.ActiveJobs(c.Query("user_id"))
	return c.JSON(fiber.Map{"jobs": jobs, "total": len(jobs)})
}

func (s *Server) handleJobStatus(c *fiber.Ctx) error {
	snap, ok := s.emitter.JobStatus(c.Params("job_id"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "job not found")
	}
	return c.JSON(snap)
}

func (s *Server) handleJobCancel(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if err := s.emitter.CancelJob(jobID); err != nil {
		return fiber.NewError(fiber.StatusNotFound, "job not found")
	}
	return c.JSON(fiber.Map{"job_id": jobID, "cancelled": true})
}

func parseBroadcast(c *fiber.Ctx) (broadcastRequest, error) {
	var req broadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return req, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return req, fiber.NewError(fiber.StatusBadRequest, "message is required")
	}
	return req, nil
}

func notification(req broadcastRequest) event.Event {
	return event.New(event.TypeSystemNotification, event.NotificationData{
		Title:   req.Title,
		Message: req.Message,
		Kind:    req.Kind,
	})
}
