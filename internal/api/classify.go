package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/nugget/mailroom/internal/email"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/usage"
)

// ClassifyRequest carries one inbound email, either as fields or as a
// raw RFC 822 message. Raw wins when both are present.
type ClassifyRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Date    string   `json:"date"`
	Body    string   `json:"body"`
	Raw     string   `json:"raw"`
}

// prompt renders the request as the user message of a classification.
func (req *ClassifyRequest) prompt() (string, error) {
	if req.Raw != "" {
		msg, err := email.Parse(strings.NewReader(req.Raw), nil)
		if err != nil {
			return "", err
		}
		req.From, req.To, req.Subject = msg.From, msg.To, msg.Subject
		if !msg.Date.IsZero() {
			req.Date = msg.Date.Format(time.RFC1123Z)
		}
		req.Body, _ = msg.Body()
	}
	return prompts.ClassifyEmailPrompt(req.From, strings.Join(req.To, ", "), req.Subject, req.Date, req.Body), nil
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}
	if s.classifier == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "classification_unavailable", "no model is configured")
		return
	}

	var req ClassifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	userPrompt, err := req.prompt()
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "unparseable raw message: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "subject or body is required")
		return
	}

	artifact, ok := s.compileArtifact(w, r, id)
	if !ok {
		return
	}

	cls, err := s.classifier.Classify(r.Context(), artifact, userPrompt)
	if err != nil {
		s.logger.Warn("classification failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "model_error", err.Error())
		return
	}

	if s.usage != nil && cls.Usage != nil {
		rec := usage.Record{
			BusinessID:    id,
			PromptVersion: artifact.Version,
			Model:         cls.Usage.Model,
			InputTokens:   cls.Usage.InputTokens,
			OutputTokens:  cls.Usage.OutputTokens,
			Category:      cls.PrimaryCategory,
			Overridden:    cls.Overridden,
		}
		if err := s.usage.Record(r.Context(), rec); err != nil {
			s.logger.Warn("usage not recorded", "business_id", id, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, cls, s.logger)
}

// UsageResponse is the body of GET usage.
type UsageResponse struct {
	BusinessID string                    `json:"business_id"`
	Since      time.Time                 `json:"since"`
	Until      time.Time                 `json:"until"`
	Total      *usage.Summary            `json:"total"`
	ByCategory map[string]*usage.Summary `json:"by_category"`
	ByModel    map[string]*usage.Summary `json:"by_model"`
}

// defaultUsageWindow applies when ?since= is absent.
const defaultUsageWindow = 30 * 24 * time.Hour

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.businessID(w, r)
	if !ok {
		return
	}
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage_unavailable", "usage tracking is not enabled")
		return
	}

	resp := UsageResponse{BusinessID: id, Until: time.Now().UTC()}
	resp.Since = resp.Until.Add(-defaultUsageWindow)
	for param, dst := range map[string]*time.Time{"since": &resp.Since, "until": &resp.Until} {
		v := r.URL.Query().Get(param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", param+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t.UTC()
	}

	ctx := r.Context()
	var err error
	if resp.Total, err = s.usage.Summary(ctx, id, resp.Since, resp.Until); err == nil {
		if resp.ByCategory, err = s.usage.SummaryByCategory(ctx, id, resp.Since, resp.Until); err == nil {
			resp.ByModel, err = s.usage.SummaryByModel(ctx, id, resp.Since, resp.Until)
		}
	}
	if err != nil {
		s.logger.Error("usage query failed", "business_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "server_error", "usage unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
