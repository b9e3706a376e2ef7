package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sceneforge/sceneforge/internal/adapter/repo"
	"github.com/sceneforge/sceneforge/internal/orchestrator"
	"github.com/sceneforge/sceneforge/internal/quota"
	"github.com/sceneforge/sceneforge/internal/stream"
)

// App bundles the handlers' dependencies.
type App struct {
	Orchestrator *orchestrator.Orchestrator
	Ledger       *quota.Ledger
	Events       *stream.Broadcaster
	History      *repo.JobRepositoryPG // nil without a database
	Logger       zerolog.Logger
}

// NewApp creates the handler container.
func NewApp(orc *orchestrator.Orchestrator, ledger *quota.Ledger, events *stream.Broadcaster, history *repo.JobRepositoryPG, logger zerolog.Logger) *App {
	return &App{
		Orchestrator: orc,
		Ledger:       ledger,
		Events:       events,
		History:      history,
		Logger:       logger,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

// currentUserID extracts the caller identity placed by the external auth
// layer. Identity management itself is out of scope here.
func (a *App) currentUserID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
