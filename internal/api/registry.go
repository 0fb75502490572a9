package api

import (
	"github.com/vecmap-tiles/server/internal/config"
)

// ProjectionInfo contains information about a projection for the API response.
type ProjectionInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProjectionRegistry lists the projections that may be activated.
type ProjectionRegistry struct {
	projections config.ProjectionsConfig
	title       string
}

// NewProjectionRegistry creates a registry from configured projections.
func NewProjectionRegistry(projections config.ProjectionsConfig, title string) *ProjectionRegistry {
	return &ProjectionRegistry{projections: projections, title: title}
}

// Has reports whether projectionID is configured.
func (r *ProjectionRegistry) Has(projectionID string) bool {
	_, ok := r.projections.Items[projectionID]
	return ok
}

// DefaultProjectionID returns the default projection ID.
func (r *ProjectionRegistry) DefaultProjectionID() string {
	return r.projections.Default
}

// ProjectionIDs returns all projection IDs in config order.
func (r *ProjectionRegistry) ProjectionIDs() []string {
	return r.projections.IDs()
}

// Title returns the configured site title.
func (r *ProjectionRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Projection Explorer"
}

// Projections returns info for all configured projections.
func (r *ProjectionRegistry) Projections() []ProjectionInfo {
	list := r.projections.List()
	infos := make([]ProjectionInfo, 0, len(list))
	for _, p := range list {
		infos = append(infos, ProjectionInfo{ID: p.ID, Name: p.Name})
	}
	return infos
}
