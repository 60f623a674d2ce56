package api

import (
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dunamismax/convertly/internal/domain"
	"github.com/dunamismax/convertly/internal/pipeline"
	"github.com/dunamismax/convertly/internal/presets"
)

// handlePlan reports the geometry an image of the given native size would
// get, without converting anything.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	nativeWidth, err := positiveInt(q, "width")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nativeHeight, err := positiveInt(q, "height")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	policy := s.defaults.Policy
	if name := strings.TrimSpace(q.Get("preset")); name != "" {
		if s.presets == nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %s", presets.ErrPresetNotFound, name))
			return
		}
		p, err := s.presets.Get(r.Context(), name)
		if err != nil {
			s.writePresetError(w, err)
			return
		}
		policy = p.Policy
	}

	policy, transform, err := applyPlanQuery(q, policy, nativeWidth, nativeHeight)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	geom := pipeline.PlanGeometry(nativeWidth, nativeHeight, policy, transform)
	s.metrics.plansServed.WithLabelValues(string(policy.Mode)).Inc()
	body := map[string]any{
		"policy":    policy,
		"transform": transform,
		"geometry":  geom,
	}
	if transform.HasFill() {
		body["fill_rect"] = rectView(pipeline.FillRect(geom))
	}
	writeJSON(w, http.StatusOK, body)
}

// applyPlanQuery overlays the query on policy. With the aspect ratio
// maintained, the echoed target height follows the native image.
func applyPlanQuery(q url.Values, policy domain.ResizePolicy, nativeWidth, nativeHeight int) (domain.ResizePolicy, domain.ImageTransform, error) {
	var transform domain.ImageTransform

	if v := strings.TrimSpace(q.Get("mode")); v != "" {
		policy.Mode = domain.Mode(strings.ToLower(v))
	}
	if q.Has("aspect") {
		b, err := strconv.ParseBool(q.Get("aspect"))
		if err != nil {
			return policy, transform, fmt.Errorf("aspect: %w", err)
		}
		policy.MaintainAspectRatio = b
	}
	width := policy.TargetWidth
	if q.Has("target_width") {
		v, err := positiveInt(q, "target_width")
		if err != nil {
			return policy, transform, err
		}
		width = v
	}
	policy.SetTargetWidth(width, nativeWidth, nativeHeight)
	if q.Has("target_height") {
		v, err := positiveInt(q, "target_height")
		if err != nil {
			return policy, transform, err
		}
		if !policy.SetTargetHeight(v) {
			return policy, transform, errors.New("target_height cannot be set while the aspect ratio is maintained")
		}
	}
	if err := policy.Validate(); err != nil {
		return policy, transform, err
	}

	if q.Has("rotation") {
		v, err := strconv.Atoi(q.Get("rotation"))
		if err != nil {
			return policy, transform, fmt.Errorf("rotation: %w", err)
		}
		transform.Rotation = v
	}
	for key, dst := range map[string]*bool{"flip_h": &transform.FlipHorizontal, "flip_v": &transform.FlipVertical} {
		if !q.Has(key) {
			continue
		}
		b, err := strconv.ParseBool(q.Get(key))
		if err != nil {
			return policy, transform, fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
	}
	if v := strings.TrimSpace(q.Get("fill")); v != "" {
		transform.BackgroundFill = domain.Fill(strings.ToLower(v))
	}
	if err := transform.Validate(); err != nil {
		return policy, transform, err
	}
	return policy, transform, nil
}

func positiveInt(q url.Values, key string) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return v, nil
}

func rectView(r image.Rectangle) map[string]int {
	return map[string]int{
		"x":      r.Min.X,
		"y":      r.Min.Y,
		"width":  r.Dx(),
		"height": r.Dy(),
	}
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	if s.presets == nil {
		writeJSON(w, http.StatusOK, map[string]any{"presets": []domain.Preset{}})
		return
	}
	list, err := s.presets.List(r.Context())
	if err != nil {
		s.logger.Printf("list presets failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to list presets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": list})
}

type savePresetRequest struct {
	Policy  domain.ResizePolicy `json:"policy"`
	Quality *float64            `json:"quality"`
}

func (s *Server) handleSavePreset(w http.ResponseWriter, r *http.Request) {
	if s.presets == nil {
		writeError(w, http.StatusServiceUnavailable, "presets are unavailable")
		return
	}
	var req savePresetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	quality := domain.DefaultQuality
	if req.Quality != nil {
		quality = *req.Quality
	}
	saved, err := s.presets.Save(r.Context(), domain.Preset{
		Name:    r.PathValue("name"),
		Policy:  req.Policy,
		Quality: quality,
	})
	if err != nil {
		s.writePresetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	if s.presets == nil {
		writeError(w, http.StatusServiceUnavailable, "presets are unavailable")
		return
	}
	if err := s.presets.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.writePresetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writePresetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, presets.ErrPresetNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, presets.ErrBuiltInPreset):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, presets.ErrInvalidPreset):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Printf("preset operation failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "preset operation failed")
	}
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []domain.HistoryEntry{}})
		return
	}
	entries, err := s.history.List(r.Context())
	if err != nil {
		s.logger.Printf("list history failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.history.Clear(r.Context()); err != nil {
		s.logger.Printf("clear history failed err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
