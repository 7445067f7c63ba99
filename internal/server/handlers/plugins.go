package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/taskd/internal/errors"
	"github.com/3leaps/taskd/pkg/alarm"
	"github.com/3leaps/taskd/pkg/job"
	"github.com/3leaps/taskd/pkg/plugin"
)

// Declared lists the entries a plugin factory was configured with.
type Declared interface {
	Names() []string
	Descriptor(name string) (plugin.Descriptor, bool)
}

// PooledDeclared is a Declared factory that pools instances.
type PooledDeclared interface {
	Declared
	Stats(name string) (plugin.PoolStats, bool)
}

// PluginView describes one declared entry.
type PluginView struct {
	Name        string            `json:"name"`
	Classname   string            `json:"classname"`
	Description string            `json:"description,omitempty"`
	Permission  string            `json:"permission,omitempty"`
	Pool        *plugin.PoolStats `json:"pool,omitempty"`
}

// PluginsHandler serves the declared job and encoder entries.
type PluginsHandler struct {
	jobs     Declared
	encoders PooledDeclared
}

// NewPluginsHandler creates a handler. Either factory may be nil.
func NewPluginsHandler(jobs Declared, encoders PooledDeclared) *PluginsHandler {
	return &PluginsHandler{jobs: jobs, encoders: encoders}
}

// Routes mounts the plugin endpoints on r.
func (h *PluginsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.Jobs)
	r.Get("/encoders", h.Encoders)
}

// Jobs handles GET /plugins/jobs.
func (h *PluginsHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	apperrors.RespondWithJSON(w, http.StatusOK, JobPluginViews(h.jobs))
}

// Encoders handles GET /plugins/encoders.
func (h *PluginsHandler) Encoders(w http.ResponseWriter, r *http.Request) {
	apperrors.RespondWithJSON(w, http.StatusOK, EncoderPluginViews(h.encoders))
}

// JobPluginViews lists declared job entries.
func JobPluginViews(f Declared) []PluginView {
	out := []PluginView{}
	if f == nil {
		return out
	}
	for _, name := range f.Names() {
		d, ok := f.Descriptor(name)
		if !ok {
			continue
		}
		desc := d.Config.GetString(job.DescriptionKey)
		if desc == "" {
			desc = name
		}
		out = append(out, PluginView{
			Name:        name,
			Classname:   d.Classname,
			Description: desc,
			Permission:  d.Config.GetString(job.PermissionKey),
		})
	}
	return out
}

// EncoderPluginViews lists declared encoder entries with their pool stats.
func EncoderPluginViews(f PooledDeclared) []PluginView {
	out := []PluginView{}
	if f == nil {
		return out
	}
	for _, name := range f.Names() {
		d, ok := f.Descriptor(name)
		if !ok {
			continue
		}
		v := PluginView{Name: name, Classname: d.Classname}
		if stats, ok := f.Stats(name); ok {
			v.Pool = &stats
		}
		out = append(out, v)
	}
	return out
}

// AlarmsHandler serves recent alarms. Operators see every event, others
// only those marked for everyone.
func AlarmsHandler(ring *alarm.Ring) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events := []alarm.Event{}
		if ring != nil {
			if visible := ring.Visible(grants(r)(OperatorPermission)); visible != nil {
				events = visible
			}
		}
		apperrors.RespondWithJSON(w, http.StatusOK, events)
	}
}
