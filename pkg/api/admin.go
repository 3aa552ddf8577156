package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vkultra/mitski/pkg/scheduler"
	"github.com/vkultra/mitski/pkg/store"
)

// adminHeader carries the acting admin's Telegram id. Stronger identity
// is out of scope; bot-scoped routes still verify ownership.
const adminHeader = "X-Admin-Id"

// ledgerPageSize bounds the /admin/ledger response.
const ledgerPageSize = 50

func adminID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader(adminHeader), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing admin identity"})
		return 0, false
	}
	return id, true
}

// adminBot resolves :botID and checks the acting admin owns it.
func (s *Server) adminBot(c *gin.Context) (*store.Bot, bool) {
	admin, ok := adminID(c)
	if !ok {
		return nil, false
	}
	botID, err := strconv.ParseInt(c.Param("botID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
		return nil, false
	}
	bot, err := s.store.GetBot(c.Request.Context(), botID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bot"})
		return nil, false
	}
	if bot.OwnerAdminID != admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return bot, true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return 0, false
	}
	return id, true
}

var containerKinds = map[string]bool{
	store.ContainerStartTemplate:           true,
	store.ContainerOfferPitch:              true,
	store.ContainerOfferDeliverable:        true,
	store.ContainerOfferManualVerification: true,
	store.ContainerAction:                  true,
	store.ContainerUpsellAnnouncement:      true,
	store.ContainerUpsellDeliverable:       true,
	store.ContainerRecoveryStep:            true,
	store.ContainerDiscount:                true,
}

type aiConfigRequest struct {
	IsEnabled     bool    `json:"is_enabled"`
	GeneralPrompt string  `json:"general_prompt"`
	ModelType     string  `json:"model_type"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
}

// PutAIConfig creates or replaces the bot's conversation settings.
func (s *Server) PutAIConfig(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req aiConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ModelType == "" {
		req.ModelType = "non-reasoning"
	}
	if req.Temperature <= 0 || req.Temperature > 2 {
		req.Temperature = 0.7
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 2000
	}
	cfg := &store.AIConfig{
		BotID:         bot.ID,
		IsEnabled:     req.IsEnabled,
		GeneralPrompt: req.GeneralPrompt,
		ModelType:     req.ModelType,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
	}
	if err := s.store.UpsertAIConfig(c.Request.Context(), cfg); err != nil {
		s.fail(c, "upserting ai config", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// PutBotActive toggles a bot on or off.
func (s *Server) PutBotActive(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetBotActive(c.Request.Context(), bot.ID, req.IsActive); err != nil {
		s.fail(c, "toggling bot", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": bot.ID, "is_active": req.IsActive})
}

type offerRequest struct {
	Name                      string  `json:"name" binding:"required"`
	PriceCents                int64   `json:"price_cents" binding:"required,gt=0"`
	Currency                  string  `json:"currency"`
	ManualVerificationTrigger *string `json:"manual_verification_trigger"`
	DiscountTrigger           *string `json:"discount_trigger"`
}

// PostOffer registers a sellable offer on the bot.
func (s *Server) PostOffer(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Currency == "" {
		req.Currency = "BRL"
	}
	offer, err := s.store.CreateOffer(c.Request.Context(), &store.Offer{
		BotID:                     bot.ID,
		Name:                      req.Name,
		PriceCents:                req.PriceCents,
		Currency:                  req.Currency,
		ManualVerificationTrigger: req.ManualVerificationTrigger,
		DiscountTrigger:           req.DiscountTrigger,
		IsActive:                  true,
	})
	if err != nil {
		s.fail(c, "creating offer", err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

// GetOffer returns one offer of the bot.
func (s *Server) GetOffer(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	offerID, ok := pathID(c, "offerID")
	if !ok {
		return
	}
	offer, err := s.store.GetOffer(c.Request.Context(), offerID)
	if err != nil || offer.BotID != bot.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, offer)
}

// PostAction registers a named trigger with its own block sequence.
func (s *Server) PostAction(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req struct {
		Name       string `json:"name" binding:"required"`
		TrackUsage bool   `json:"track_usage"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := s.store.CreateAction(c.Request.Context(), &store.Action{
		BotID:      bot.ID,
		Name:       req.Name,
		TrackUsage: req.TrackUsage,
		IsActive:   true,
	})
	if err != nil {
		s.fail(c, "creating action", err)
		return
	}
	c.JSON(http.StatusCreated, action)
}

type upsellRequest struct {
	Ordinal         int     `json:"ordinal" binding:"required,gt=0"`
	IsPreset        bool    `json:"is_preset"`
	TriggerTerm     *string `json:"trigger_term"`
	PhasePrompt     string  `json:"phase_prompt"`
	PriceCents      int64   `json:"price_cents" binding:"required,gt=0"`
	ScheduleKind    string  `json:"schedule_kind"`
	ScheduleDays    int     `json:"schedule_days"`
	ScheduleHours   int     `json:"schedule_hours"`
	ScheduleMinutes int     `json:"schedule_minutes"`
	IsActive        *bool   `json:"is_active"`
}

// PutUpsell creates or replaces the upsell at an ordinal slot.
func (s *Server) PutUpsell(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req upsellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ScheduleKind == "" {
		req.ScheduleKind = "immediate"
	}
	if req.ScheduleKind != "immediate" && req.ScheduleKind != "relative" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "schedule_kind must be immediate or relative"})
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	upsell, err := s.store.UpsertUpsell(c.Request.Context(), &store.Upsell{
		BotID:           bot.ID,
		Ordinal:         req.Ordinal,
		IsPreset:        req.IsPreset,
		TriggerTerm:     req.TriggerTerm,
		PhasePrompt:     req.PhasePrompt,
		PriceCents:      req.PriceCents,
		ScheduleKind:    req.ScheduleKind,
		ScheduleDays:    req.ScheduleDays,
		ScheduleHours:   req.ScheduleHours,
		ScheduleMinutes: req.ScheduleMinutes,
		IsActive:        active,
	})
	if err != nil {
		s.fail(c, "upserting upsell", err)
		return
	}
	c.JSON(http.StatusOK, upsell)
}

type phaseRequest struct {
	Name         string   `json:"name" binding:"required"`
	Prompt       string   `json:"prompt"`
	TriggerTerms []string `json:"trigger_terms"`
	Ordering     int      `json:"ordering"`
	IsGeneral    bool     `json:"is_general"`
}

// PutPhase creates or replaces a phase by name.
func (s *Server) PutPhase(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req phaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	phase, err := s.store.UpsertPhase(c.Request.Context(), &store.Phase{
		BotID:        bot.ID,
		Name:         req.Name,
		Prompt:       req.Prompt,
		TriggerTerms: req.TriggerTerms,
		Ordering:     req.Ordering,
		IsGeneral:    req.IsGeneral,
	})
	if err != nil {
		s.fail(c, "upserting phase", err)
		return
	}
	c.JSON(http.StatusOK, phase)
}

// DeletePhase removes a phase from the bot.
func (s *Server) DeletePhase(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	phaseID, ok := pathID(c, "phaseID")
	if !ok {
		return
	}
	if err := s.store.DeletePhase(c.Request.Context(), bot.ID, phaseID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.fail(c, "deleting phase", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": phaseID})
}

type blockRequest struct {
	ContainerKind     string  `json:"container_kind"`
	ContainerID       int64   `json:"container_id"`
	Text              *string `json:"text"`
	MediaRef          *string `json:"media_ref"`
	MediaKind         *string `json:"media_kind"`
	DelaySeconds      int     `json:"delay_seconds"`
	AutoDeleteSeconds int     `json:"auto_delete_seconds"`
}

func (r *blockRequest) validate() string {
	if r.Text == nil && r.MediaRef == nil {
		return "block needs text or media_ref"
	}
	if r.MediaRef != nil && r.MediaKind == nil {
		return "media_ref needs media_kind"
	}
	if r.DelaySeconds < 0 || r.DelaySeconds > 300 {
		return "delay_seconds must be 0..300"
	}
	if r.AutoDeleteSeconds < 0 || r.AutoDeleteSeconds > 86400 {
		return "auto_delete_seconds must be 0..86400"
	}
	return ""
}

// PostBlock appends a content block to a container.
func (s *Server) PostBlock(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !containerKinds[req.ContainerKind] || req.ContainerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown container"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	block, err := s.store.AppendBlock(c.Request.Context(), &store.Block{
		BotID:             bot.ID,
		ContainerKind:     req.ContainerKind,
		ContainerID:       req.ContainerID,
		Text:              req.Text,
		MediaRef:          req.MediaRef,
		MediaKind:         req.MediaKind,
		DelaySeconds:      req.DelaySeconds,
		AutoDeleteSeconds: req.AutoDeleteSeconds,
	})
	if err != nil {
		s.fail(c, "appending block", err)
		return
	}
	c.JSON(http.StatusCreated, block)
}

// GetBlocks lists a container's blocks in order.
func (s *Server) GetBlocks(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	kind := c.Query("container_kind")
	containerID, err := strconv.ParseInt(c.Query("container_id"), 10, 64)
	if !containerKinds[kind] || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown container"})
		return
	}
	blocks, err := s.store.ListBlocks(c.Request.Context(), kind, containerID)
	if err != nil {
		s.fail(c, "listing blocks", err)
		return
	}
	owned := blocks[:0]
	for _, b := range blocks {
		if b.BotID == bot.ID {
			owned = append(owned, b)
		}
	}
	c.JSON(http.StatusOK, gin.H{"blocks": owned})
}

// PutBlock replaces a block's content in place.
func (s *Server) PutBlock(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	blockID, ok := pathID(c, "blockID")
	if !ok {
		return
	}
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	err := s.store.UpdateBlock(c.Request.Context(), &store.Block{
		ID:                blockID,
		BotID:             bot.ID,
		Text:              req.Text,
		MediaRef:          req.MediaRef,
		MediaKind:         req.MediaKind,
		DelaySeconds:      req.DelaySeconds,
		AutoDeleteSeconds: req.AutoDeleteSeconds,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.fail(c, "updating block", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": blockID})
}

// DeleteBlock removes a block and compacts the sequence.
func (s *Server) DeleteBlock(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	blockID, ok := pathID(c, "blockID")
	if !ok {
		return
	}
	if err := s.store.DeleteBlock(c.Request.Context(), bot.ID, blockID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.fail(c, "deleting block", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": blockID})
}

// PostStartBump activates the start template and bumps its version, so
// every user sees the new sequence once on their next /start.
func (s *Server) PostStartBump(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	template, err := s.store.EnsureStartTemplate(c.Request.Context(), bot.ID)
	if err != nil {
		s.fail(c, "ensuring start template", err)
		return
	}
	version, err := s.store.BumpStartVersion(c.Request.Context(), bot.ID)
	if err != nil {
		s.fail(c, "bumping start version", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template_id": template.ID, "version": version})
}

type recoveryRequest struct {
	InactivityThresholdSeconds int    `json:"inactivity_threshold_seconds" binding:"required,gt=0"`
	Timezone                   string `json:"timezone"`
	SkipPaidUsers              *bool  `json:"skip_paid_users"`
	IsActive                   *bool  `json:"is_active"`
	Steps                      []struct {
		Ordinal  int    `json:"ordinal"`
		Schedule string `json:"schedule"`
	} `json:"steps"`
}

// PutRecovery replaces the bot's recovery campaign and its steps. The
// version bump invalidates episodes planned against the old config.
func (s *Server) PutRecovery(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req recoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown timezone"})
		return
	}
	type parsedStep struct {
		ordinal     int
		kind, value string
	}
	parsed := make([]parsedStep, 0, len(req.Steps))
	for _, st := range req.Steps {
		if st.Ordinal <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "step ordinal must be positive"})
			return
		}
		kind, value, err := scheduler.Parse(st.Schedule)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		parsed = append(parsed, parsedStep{ordinal: st.Ordinal, kind: kind, value: value})
	}

	skipPaid := true
	if req.SkipPaidUsers != nil {
		skipPaid = *req.SkipPaidUsers
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	campaign, err := s.store.UpsertRecoveryCampaign(c.Request.Context(), &store.RecoveryCampaign{
		BotID:                      bot.ID,
		InactivityThresholdSeconds: req.InactivityThresholdSeconds,
		Timezone:                   req.Timezone,
		SkipPaidUsers:              skipPaid,
		IsActive:                   active,
	})
	if err != nil {
		s.fail(c, "upserting recovery campaign", err)
		return
	}
	for _, st := range parsed {
		if _, err := s.store.UpsertRecoveryStep(c.Request.Context(), &store.RecoveryStep{
			CampaignID:    campaign.ID,
			Ordinal:       st.ordinal,
			ScheduleKind:  st.kind,
			ScheduleValue: st.value,
		}); err != nil {
			s.fail(c, "upserting recovery step", err)
			return
		}
	}

	// echo each step with its next fire time so the caller can sanity
	// check the expressions
	now := time.Now()
	steps := make([]gin.H, 0, len(req.Steps))
	for _, st := range req.Steps {
		next, err := scheduler.ResolveExpression(st.Schedule, now, loc)
		entry := gin.H{"ordinal": st.Ordinal, "schedule": st.Schedule}
		if err == nil {
			entry["next_fire"] = next
		}
		steps = append(steps, entry)
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign, "steps": steps})
}

type antiSpamRequest struct {
	MaxMsgsPerMinute int      `json:"max_msgs_per_minute"`
	ForbiddenTerms   []string `json:"forbidden_terms"`
	BanLinks         bool     `json:"ban_links"`
	BanForwards      bool     `json:"ban_forwards"`
	IsActive         *bool    `json:"is_active"`
}

// PutAntiSpam replaces the bot's spam policy.
func (s *Server) PutAntiSpam(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	var req antiSpamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxMsgsPerMinute < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_msgs_per_minute must be >= 0"})
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	cfg := &store.AntiSpamConfig{
		BotID:            bot.ID,
		MaxMsgsPerMinute: req.MaxMsgsPerMinute,
		ForbiddenTerms:   req.ForbiddenTerms,
		BanLinks:         req.BanLinks,
		BanForwards:      req.BanForwards,
		IsActive:         active,
	}
	if err := s.store.UpsertAntiSpamConfig(c.Request.Context(), cfg); err != nil {
		s.fail(c, "upserting antispam config", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetUserSession exposes a user's conversation state for support.
func (s *Server) GetUserSession(c *gin.Context) {
	bot, ok := s.adminBot(c)
	if !ok {
		return
	}
	userTG, ok := pathID(c, "userTG")
	if !ok {
		return
	}
	session, err := s.store.GetSession(c.Request.Context(), bot.ID, userTG)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.fail(c, "loading session", err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetLedger returns the acting admin's recent wallet movements.
func (s *Server) GetLedger(c *gin.Context) {
	admin, ok := adminID(c)
	if !ok {
		return
	}
	entries, err := s.store.RecentLedger(c.Request.Context(), admin, ledgerPageSize)
	if err != nil {
		s.fail(c, "listing ledger", err)
		return
	}
	balance, err := s.store.GetBalance(c.Request.Context(), admin)
	if err != nil {
		s.fail(c, "loading balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance_cents": balance, "entries": entries})
}

// PostBalanceRecompute rebuilds the acting admin's cached balance from
// the ledger.
func (s *Server) PostBalanceRecompute(c *gin.Context) {
	admin, ok := adminID(c)
	if !ok {
		return
	}
	balance, err := s.store.RecomputeBalance(c.Request.Context(), admin)
	if err != nil {
		s.fail(c, "recomputing balance", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance_cents": balance})
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
