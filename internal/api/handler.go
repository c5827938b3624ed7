package api

import (
	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/common/logger"
)

// Handler groups the route methods and the dependencies they share.
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

func newHandler(deps Deps, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{deps: deps, logger: log.WithFields(zap.String("component", "api"))}
}
