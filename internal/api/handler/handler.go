package handler

import (
	"github.com/rs/zerolog"

	"strangertalk/backend/internal/chathub"
	"strangertalk/backend/internal/config"
	"strangertalk/backend/internal/storage"
)

// Handler wires the HTTP surface to the hub and the matcher.
type Handler struct {
	Hub     *chathub.ManagerService
	Matcher *chathub.MatcherService
	Store   storage.Storage
	Cfg     *config.Config
	Log     zerolog.Logger
}

func NewHandler(hub *chathub.ManagerService, matcher *chathub.MatcherService, store storage.Storage, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		Hub:     hub,
		Matcher: matcher,
		Store:   store,
		Cfg:     cfg,
		Log:     log,
	}
}
