package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/captionforge/captionforge/libs/httpx"
	"github.com/captionforge/captionforge/libs/plans"
	"github.com/captionforge/captionforge/services/caption-service/internal/generator"
	"github.com/captionforge/captionforge/services/caption-service/internal/storage"
	"github.com/google/uuid"
)

const (
	maxTopicLen  = 500
	maxBulkItems = 20
)

type generateRequest struct {
	Topic          string `json:"topic"`
	Platform       string `json:"platform,omitempty"`
	Tone           string `json:"tone,omitempty"`
	Variations     int    `json:"variations,omitempty"`
	Hashtags       bool   `json:"hashtags,omitempty"`
	BrandVoice     string `json:"brand_voice,omitempty"`
	VoiceProfileID string `json:"voice_profile_id,omitempty"`
}

func (req *generateRequest) normalize() error {
	req.Topic = strings.TrimSpace(req.Topic)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	req.Tone = strings.TrimSpace(req.Tone)
	req.BrandVoice = strings.TrimSpace(req.BrandVoice)
	req.VoiceProfileID = strings.TrimSpace(req.VoiceProfileID)
	if req.Topic == "" {
		return errors.New("topic is required")
	}
	if utf8.RuneCountInString(req.Topic) > maxTopicLen {
		return fmt.Errorf("topic must be at most %d characters", maxTopicLen)
	}
	if req.Variations == 0 {
		req.Variations = 1
	}
	if req.Variations < 0 {
		return errors.New("variations must be positive")
	}
	return nil
}

type generateResponse struct {
	CaptionID string   `json:"caption_id"`
	Captions  []string `json:"captions"`
	Hashtags  []string `json:"hashtags,omitempty"`
}

type singleResponse struct {
	generateResponse
	Remaining entitlements.Remaining `json:"remaining"`
}

// Generate is the gated single generation. Gates run in order: monthly quota, variation
// count, hashtag suggestions, brand voice, then the voice profile lookup.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	var req generateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := req.normalize(); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	v, usage := h.resolve(ctx, accountID)
	if !h.requireQuota(w, v, usage, 1) {
		return
	}
	greq, ok := h.gate(w, r, accountID, v, req)
	if !ok {
		return
	}
	if h.gen == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "caption generator not configured")
		return
	}

	resp, err := h.run(ctx, accountID, v, req, greq)
	if err != nil {
		h.writeRunError(w, accountID, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, singleResponse{
		generateResponse: resp,
		Remaining:        entitlements.RemainingQuota(v, afterUse(usage, 1), plans.CaptionsPerMonth),
	})
}

type bulkRequest struct {
	Items []generateRequest `json:"items"`
}

type bulkItem struct {
	Index int `json:"index"`
	generateResponse
	Error string `json:"error,omitempty"`
}

type bulkResponse struct {
	Items     []bulkItem             `json:"items"`
	Remaining entitlements.Remaining `json:"remaining"`
}

// GenerateBulk runs several briefs in one call. The whole batch must fit in the monthly
// quota; generator failures are reported per item.
func (h *Handler) GenerateBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	var req bulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxBulkItems {
		httpx.WriteError(w, http.StatusBadRequest, fmt.Sprintf("items must contain 1 to %d briefs", maxBulkItems))
		return
	}
	for i := range req.Items {
		if err := req.Items[i].normalize(); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: %s", i, err))
			return
		}
	}

	ctx := r.Context()
	v, usage := h.resolve(ctx, accountID)
	if !requireFeature(w, v, plans.FeatureBulkGeneration) {
		return
	}
	if !h.requireQuota(w, v, usage, len(req.Items)) {
		return
	}
	greqs := make([]generator.Request, len(req.Items))
	for i, item := range req.Items {
		greq, ok := h.gate(w, r, accountID, v, item)
		if !ok {
			return
		}
		greqs[i] = greq
	}
	if h.gen == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "caption generator not configured")
		return
	}

	out := bulkResponse{Items: make([]bulkItem, 0, len(req.Items))}
	saved := 0
	for i, item := range req.Items {
		resp, err := h.run(ctx, accountID, v, item, greqs[i])
		if err != nil {
			h.logger.Warn("bulk item failed", "err", err, "account_id", accountID, "index", i)
			out.Items = append(out.Items, bulkItem{Index: i, Error: "caption generation failed"})
			continue
		}
		saved++
		out.Items = append(out.Items, bulkItem{Index: i, generateResponse: resp})
	}
	out.Remaining = entitlements.RemainingQuota(v, afterUse(usage, saved), plans.CaptionsPerMonth)
	httpx.WriteJSON(w, http.StatusOK, out)
}

// requireQuota refuses when n more generations do not fit in the period. Unknown usage
// on a metered plan is refused too, but reported as unavailable rather than exhausted.
func (h *Handler) requireQuota(w http.ResponseWriter, v entitlements.View, usage *entitlements.Usage, n int) bool {
	ok := entitlements.CanPerformQuotaLimitedAction(v, usage, plans.CaptionsPerMonth)
	if ok && n > 1 {
		ok = entitlements.WithinLimit(v, plans.CaptionsPerMonth, v.CaptionsUsed+n)
	}
	recordGate(string(plans.CaptionsPerMonth), ok)
	if ok {
		return true
	}
	if !v.UsageKnown {
		httpx.WriteError(w, http.StatusServiceUnavailable, "usage is temporarily unavailable, try again shortly")
		return false
	}
	httpx.WriteJSON(w, http.StatusPaymentRequired, quotaRefusal{
		Error:     "monthly caption quota reached for the " + string(v.EffectivePlan) + " plan",
		Remaining: entitlements.RemainingQuota(v, usage, plans.CaptionsPerMonth),
		ResetDate: v.ResetDate,
	})
	return false
}

// gate applies the per-brief checks and builds the generator request.
func (h *Handler) gate(w http.ResponseWriter, r *http.Request, accountID string, v entitlements.View, req generateRequest) (generator.Request, bool) {
	if !requireCount(w, v, plans.VariationsPerGeneration, req.Variations) {
		return generator.Request{}, false
	}
	if req.Hashtags && !requireFeature(w, v, plans.FeatureHashtagSuggestions) {
		return generator.Request{}, false
	}
	if req.BrandVoice != "" && !requireFeature(w, v, plans.FeatureBrandVoice) {
		return generator.Request{}, false
	}

	greq := generator.Request{
		Topic:      req.Topic,
		Platform:   req.Platform,
		Tone:       req.Tone,
		Variations: req.Variations,
		Hashtags:   req.Hashtags,
		BrandVoice: req.BrandVoice,
	}
	if req.VoiceProfileID != "" {
		vp, err := h.store.GetVoiceProfile(r.Context(), accountID, req.VoiceProfileID)
		if errors.Is(err, storage.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "voice profile not found")
			return generator.Request{}, false
		}
		if err != nil {
			h.logger.Error("voice profile lookup failed", "err", err, "account_id", accountID)
			httpx.WriteError(w, http.StatusInternalServerError, "failed to load voice profile")
			return generator.Request{}, false
		}
		greq.Voice = &generator.Voice{Name: vp.Name, Description: vp.Description}
	}
	return greq, true
}

var errSaveFailed = errors.New("save failed")

func (h *Handler) run(ctx context.Context, accountID string, v entitlements.View, req generateRequest, greq generator.Request) (generateResponse, error) {
	start := time.Now()
	res, err := h.gen.Generate(ctx, greq)
	generationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return generateResponse{}, err
	}

	c := storage.Caption{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Topic:          req.Topic,
		Platform:       req.Platform,
		Tone:           req.Tone,
		VoiceProfileID: req.VoiceProfileID,
		Variations:     res.Captions,
		Hashtags:       res.Hashtags,
		CreatedAt:      h.now().UTC(),
	}
	if err := h.store.CreateCaption(ctx, c); err != nil {
		return generateResponse{}, fmt.Errorf("%w: %w", errSaveFailed, err)
	}
	generations.WithLabelValues(string(v.EffectivePlan)).Inc()
	return generateResponse{CaptionID: c.ID, Captions: res.Captions, Hashtags: res.Hashtags}, nil
}

func (h *Handler) writeRunError(w http.ResponseWriter, accountID string, err error) {
	if errors.Is(err, errSaveFailed) {
		h.logger.Error("failed to save caption", "err", err, "account_id", accountID)
		httpx.WriteError(w, http.StatusInternalServerError, "failed to save caption")
		return
	}
	h.logger.Warn("caption generation failed", "err", err, "account_id", accountID)
	httpx.WriteError(w, http.StatusBadGateway, "caption generation failed")
}

// afterUse is usage advanced by n saved generations, for reporting what is left.
func afterUse(usage *entitlements.Usage, n int) *entitlements.Usage {
	if usage == nil {
		return nil
	}
	next := *usage
	next.CaptionsUsed += n
	return &next
}
