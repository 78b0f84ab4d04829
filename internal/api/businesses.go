package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/business"
	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/learning"
	"github.com/nugget/mailroom/internal/mailbox"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/voice"
)

// businessID returns the validated {id} path value, writing a 400 and
// returning false when it is unusable.
func (s *Server) businessID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !business.ValidID(id) {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid business id")
		return "", false
	}
	return id, true
}

// loadBusiness resolves the configuration for id, writing the error
// response on failure.
func (s *Server) loadBusiness(w http.ResponseWriter, r *http.Request, id string) (*business.Configuration, bool) {
	cfg, err := s.resolver.Load(r.Context(), id)
	if err == nil {
		return cfg, true
	}

	var ce *business.ConfigurationError
	switch {
	case errors.Is(err, business.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &ce):
		s.errorDetail(w, errorDetail{
			Message: ce.Error(),
			Type:    "configuration_error",
			Code:    http.StatusUnprocessableEntity,
			Field:   ce.Field,
		})
	default:
		s.logger.Error("business configuration load failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "configuration unavailable")
	}
	return nil, false
}

// compileArtifact resolves the business and compiles its prompt with
// the stored voice profile, writing the error response on failure.
func (s *Server) compileArtifact(w http.ResponseWriter, r *http.Request, id string) (*prompts.Artifact, bool) {
	cfg, ok := s.loadBusiness(w, r, id)
	if !ok {
		return nil, false
	}

	profile, err := s.store.Profile(r.Context(), id)
	if err != nil {
		// Compile without style guidance.
		s.logger.Warn("voice profile unavailable, compiling without style", "business_id", id, "error", err)
		profile = nil
	}

	opts := s.compile
	opts.Now = time.Now()
	artifact, err := prompts.Compile(cfg, profile, opts)
	if err != nil {
		s.logger.Error("prompt compilation failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusUnprocessableEntity, "configuration_error", err.Error())
		return nil, false
	}
	return artifact, true
}

func (s *Server) handleCompilePrompt(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}
	artifact, ok := s.compileArtifact(w, r, id)
	if !ok {
		return
	}

	s.bus.Publish(events.Event{
		Source:     events.SourcePrompts,
		Kind:       events.KindPromptCompiled,
		BusinessID: id,
		Payload:    artifact,
		Retain:     true,
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, artifact, s.logger)
}

// bearerToken returns the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}
	provider, ok := mailbox.ParseProvider(r.URL.Query().Get("provider"))
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error",
			"provider must be one of gmail, outlook, imap")
		return
	}
	cfg, ok := s.loadBusiness(w, r, id)
	if !ok {
		return
	}

	client, err := s.mailboxes(provider, bearerToken(r))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	res, err := s.reconciler.Reconcile(r.Context(), id, cfg.Taxonomy(), client)
	if err != nil {
		code := http.StatusBadGateway
		var pe *mailbox.ProviderError
		if errors.As(err, &pe) && (pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden) {
			code = http.StatusUnauthorized
		}
		s.logger.Warn("reconciliation could not start", "business_id", id, "provider", provider, "error", err)
		s.errorResponse(w, code, "provider_error", err.Error())
		return
	}
	if err := res.Verify(res.Required); err != nil {
		s.logger.Error("reconciliation result inconsistent", "business_id", id, "provider", provider, "error", err)
	}

	s.bus.Publish(events.Event{
		Source:     events.SourceReconcile,
		Kind:       events.KindReconciled,
		BusinessID: id,
		Payload:    res,
		Retain:     true,
	})

	w.Header().Set("Content-Type", "application/json")
	if !res.OK() {
		w.WriteHeader(http.StatusMultiStatus)
	}
	writeJSON(w, res, s.logger)
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}

	var ev learning.SendEvent
	if err := decodeBody(w, r, &ev); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	ev.BusinessID = id

	out, err := s.pipeline.HandleSendEvent(r.Context(), ev)
	if errors.Is(err, learning.ErrInvalidEvent) {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("send event failed", "business_id", id, "message_id", ev.MessageID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "send event not recorded")
		return
	}
	if out.Record != nil {
		s.bus.Publish(events.Event{
			Source:     events.SourceLearning,
			Kind:       events.KindCorrectionRecorded,
			BusinessID: id,
			Payload:    out.Record,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, out, s.logger)
}

// VoiceProfileResponse is the body of GET voice-profile.
type VoiceProfileResponse struct {
	Profile            *voice.Profile `json:"profile"`
	Guidance           []string       `json:"guidance"`
	PendingCorrections int            `json:"pending_corrections"`
	ZeroEdits          int            `json:"zero_edits"`
}

func (s *Server) handleVoiceProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	profile, err := s.store.Profile(ctx, id)
	if err != nil {
		s.logger.Error("voice profile load failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "voice profile unavailable")
		return
	}
	if profile == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "no voice profile for "+id)
		return
	}

	resp := VoiceProfileResponse{Profile: profile, Guidance: profile.Guidance()}
	if resp.PendingCorrections, err = s.store.PendingCount(ctx, id); err != nil {
		s.logger.Warn("pending correction count failed", "business_id", id, "error", err)
	}
	if resp.ZeroEdits, err = s.store.ZeroEdits(ctx, id); err != nil {
		s.logger.Warn("zero edit count failed", "business_id", id, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// BaselineRequest seeds a voice profile from replies the business
// wrote before onboarding.
type BaselineRequest struct {
	Samples []string `json:"samples"`
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req BaselineRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	stats := voice.Baseline(req.Samples)
	if stats == nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "at least one non-empty sample is required")
		return
	}

	current, err := s.store.Profile(ctx, id)
	if err != nil {
		s.logger.Error("voice profile load failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "voice profile unavailable")
		return
	}
	if current == nil {
		current = voice.New(id)
	}
	updated := current.WithBaseline(stats)
	if err := s.store.SaveProfile(ctx, updated); err != nil {
		s.logger.Error("voice profile save failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "voice profile not saved")
		return
	}
	s.logger.Info("voice profile baseline set", "business_id", id, "samples", len(req.Samples))

	s.bus.Publish(events.Event{
		Source:     events.SourceLearning,
		Kind:       events.KindProfileRefined,
		BusinessID: id,
		Payload:    updated,
		Retain:     true,
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

func (s *Server) handleErase(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}
	if err := s.store.Erase(r.Context(), id); err != nil {
		s.logger.Error("learning data erase failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "erase failed")
		return
	}
	if s.usage != nil {
		if err := s.usage.Erase(r.Context(), id); err != nil {
			s.logger.Error("usage erase failed", "business_id", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "server_error", "erase failed")
			return
		}
	}
	s.logger.Info("learning data erased", "business_id", id)

	s.bus.Publish(events.Event{
		Source:     events.SourceLearning,
		Kind:       events.KindDataErased,
		BusinessID: id,
	})
	w.WriteHeader(http.StatusNoContent)
}
