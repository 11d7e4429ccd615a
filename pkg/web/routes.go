package web

import "github.com/gofiber/fiber/v3"

// Register mounts every approvals endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	t := router.Group("/templates")
	t.Get("/", h.ListTemplates)
	t.Post("/", h.CreateTemplate)
	t.Get("/:id", h.GetTemplate)
	t.Put("/:id", h.UpdateTemplate)
	t.Delete("/:id", h.DeleteTemplate)
	t.Post("/:id/steps", h.InsertTemplateStep)
	t.Delete("/:id/steps/:stepId", h.RemoveTemplateStep)
	t.Post("/:id/clone", h.CloneTemplate)
	t.Post("/:id/activate", h.ActivateTemplate)
	t.Post("/:id/deactivate", h.DeactivateTemplate)

	router.Post("/events", h.HandleEvent)
	router.Post("/match", h.MatchEvent)

	i := router.Group("/instances")
	i.Get("/", h.ListInstances)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/cancel", h.CancelInstance)

	s := router.Group("/steps")
	s.Get("/:id", h.GetStep)
	s.Post("/:id/decision", h.DecideStep)
	s.Post("/:id/skip", h.SkipStep)

	r := router.Group("/requests")
	r.Get("/", h.ListRequests)
	r.Post("/", h.CreateRequest)
	r.Get("/:id", h.GetRequest)
	r.Post("/:id/decision", h.DecideRequest)
	r.Get("/:id/comments", h.ListComments)
	r.Post("/:id/comments", h.AddComment)
	r.Post("/:id/reopen", h.ReopenRequest)
	r.Post("/:id/cancel", h.CancelRequest)

	router.Post("/sweep", h.Sweep)
}
