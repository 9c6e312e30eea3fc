package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/reconcile"
)

// SyncEngine is the reconciliation surface exposed over HTTP. Implemented by reconcile.Engine.
type SyncEngine interface {
	SyncAppointment(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*reconcile.PushResult, error)
	DeleteSync(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*reconcile.DeleteResult, error)
	DeleteAll(ctx context.Context, appointmentID uuid.UUID, userID string) ([]reconcile.DeleteResult, error)
	Provision(ctx context.Context, appointmentID uuid.UUID, userID string, provider models.Provider) (*reconcile.ConferenceResult, error)
	Pull(ctx context.Context, userID string, provider models.Provider) (*reconcile.PullResult, error)
}

type SyncHandler struct {
	engine SyncEngine
}

func NewSyncHandler(engine SyncEngine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

type appointmentRequest struct {
	ID       string `param:"id" validate:"required"`
	Provider string `param:"provider"`
}

func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	appointments := g.Group("/appointments/:id")
	appointments.POST("/sync/:provider", h.Sync)
	appointments.DELETE("/sync/:provider", h.DeleteSync)
	appointments.DELETE("/sync", h.DeleteAll)
	appointments.POST("/conference/:provider", h.Provision)

	g.POST("/sync/:provider/pull", h.Pull)
}

// parseAppointment returns the caller, the appointment id and, when the route has one, the provider.
func parseAppointment(c echo.Context, withProvider bool) (string, uuid.UUID, models.Provider, error) {
	userID, err := GetUserID(c)
	if err != nil {
		return "", uuid.Nil, "", err
	}

	var req appointmentRequest
	if err := bind(c, &req); err != nil {
		return "", uuid.Nil, "", err
	}
	id, err := parseUUID(req.ID, "appointment id")
	if err != nil {
		return "", uuid.Nil, "", err
	}
	if !withProvider {
		return userID, id, "", nil
	}

	provider, err := parseProvider(req.Provider)
	if err != nil {
		return "", uuid.Nil, "", err
	}
	return userID, id, provider, nil
}

// Sync handles POST /appointments/:id/sync/:provider
func (h *SyncHandler) Sync(c echo.Context) error {
	userID, id, provider, err := parseAppointment(c, true)
	if err != nil {
		return err
	}

	result, err := h.engine.SyncAppointment(c.Request().Context(), id, userID, provider)
	if err != nil {
		return err
	}
	if result.Action == reconcile.PushCreated {
		return CreatedResponse(c, result)
	}
	return SuccessResponse(c, result)
}

// DeleteSync handles DELETE /appointments/:id/sync/:provider
func (h *SyncHandler) DeleteSync(c echo.Context) error {
	userID, id, provider, err := parseAppointment(c, true)
	if err != nil {
		return err
	}

	result, err := h.engine.DeleteSync(c.Request().Context(), id, userID, provider)
	if err != nil {
		return err
	}
	return SuccessResponse(c, result)
}

// DeleteAll handles DELETE /appointments/:id/sync
func (h *SyncHandler) DeleteAll(c echo.Context) error {
	userID, id, _, err := parseAppointment(c, false)
	if err != nil {
		return err
	}

	results, err := h.engine.DeleteAll(c.Request().Context(), id, userID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, results)
}

// Provision handles POST /appointments/:id/conference/:provider
func (h *SyncHandler) Provision(c echo.Context) error {
	userID, id, provider, err := parseAppointment(c, true)
	if err != nil {
		return err
	}

	result, err := h.engine.Provision(c.Request().Context(), id, userID, provider)
	if err != nil {
		return err
	}
	if result.Reused {
		return SuccessResponse(c, result)
	}
	return CreatedResponse(c, result)
}

// Pull handles POST /sync/:provider/pull. A pull already running for the user answers 202.
func (h *SyncHandler) Pull(c echo.Context) error {
	userID, err := GetUserID(c)
	if err != nil {
		return err
	}

	var req providerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		return err
	}

	result, err := h.engine.Pull(c.Request().Context(), userID, provider)
	if err != nil {
		return err
	}
	if result.InProgress {
		return c.JSON(http.StatusAccepted, result)
	}
	return SuccessResponse(c, result)
}
