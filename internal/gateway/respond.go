package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grovekit/grove/internal/common/errs"
	"github.com/grovekit/grove/internal/common/logger"
	"github.com/grovekit/grove/internal/project"
)

// handler holds the REST handlers' shared state.
type handler struct {
	registry *project.Registry
	log      *logger.Logger
}

func newHandler(registry *project.Registry, log *logger.Logger) *handler {
	return &handler{
		registry: registry,
		log:      log.WithFields(zap.String("component", "gateway-api")),
	}
}

// openedProject resolves the :projectId path parameter.
func (h *handler) openedProject(c *gin.Context) (*project.Project, bool) {
	p, err := h.registry.Get(c.Param("projectId"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return p, true
}

// fail translates an engine error into the HTTP response.
func (h *handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrPermissionDenied):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
