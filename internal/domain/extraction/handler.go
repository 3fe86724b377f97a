package extraction

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labflow/labflow/internal/platform/apperror"
	"github.com/labflow/labflow/internal/platform/auth"
	"github.com/labflow/labflow/pkg/pagination"
)

type Handler struct {
	alloc  *Allocator
	poller *Poller
}

// NewHandler serves the extraction board. poller may be nil, in which case
// the board route reads fresh on every request.
func NewHandler(alloc *Allocator, poller *Poller) *Handler {
	return &Handler{alloc: alloc, poller: poller}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/extraction", auth.RequireRole(auth.RoleExtractionist, auth.RoleSupervisor))
	g.GET("/boxes", h.ListBoxes)
	g.GET("/waiting", h.ListWaiting)
	g.GET("/board", h.Board)
	g.POST("/boxes/:id/select", h.SelectBox)
}

func (h *Handler) ListBoxes(c echo.Context) error {
	views, err := h.alloc.Boxes(c.Request().Context())
	if err != nil {
		return apperror.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  views,
		"total": len(views),
	})
}

// ListWaiting pages through the waiting list in serving order.
func (h *Handler) ListWaiting(c echo.Context) error {
	entries, err := h.alloc.Waiting(c.Request().Context())
	if err != nil {
		return apperror.ToHTTPError(err)
	}
	p := pagination.FromContext(c)
	start, end := p.Window(len(entries))
	return c.JSON(http.StatusOK, pagination.NewResponse(entries[start:end], len(entries), p))
}

// Board returns the last polled view of boxes and waiting list.
func (h *Handler) Board(c echo.Context) error {
	if h.poller != nil {
		if v, ok := h.poller.Latest(); ok {
			return c.JSON(http.StatusOK, v)
		}
	}
	ctx := c.Request().Context()
	boxes, err := h.alloc.Boxes(ctx)
	if err != nil {
		return apperror.ToHTTPError(err)
	}
	waiting, err := h.alloc.Waiting(ctx)
	if err != nil {
		return apperror.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, View{Boxes: boxes, Waiting: waiting})
}

// SelectBox tentatively picks a box against a fresh board read. The
// choice is checked again when the extraction starts.
func (h *Handler) SelectBox(c echo.Context) error {
	views, err := h.alloc.Boxes(c.Request().Context())
	if err != nil {
		return apperror.ToHTTPError(err)
	}
	sel, err := h.alloc.Select(views, c.Param("id"))
	if err != nil {
		return apperror.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, sel)
}
