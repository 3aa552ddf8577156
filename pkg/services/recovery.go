package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/scheduler"
	"github.com/vkultra/mitski/pkg/store"
)

// recoveryStateTTL bounds the per-user recovery keys so churned users
// never leak KV entries.
const recoveryStateTTL = 30 * 24 * time.Hour

// inactiveScanLimit bounds one watchdog pass per campaign.
const inactiveScanLimit = 500

// RecoverySendPayload delivers one due recovery step.
type RecoverySendPayload struct {
	DeliveryID int64 `json:"delivery_id"`
}

func episodeKey(botID, userTG int64) string {
	return fmt.Sprintf("rec:episode:%d:%d", botID, userTG)
}

func lastActiveKey(botID, userTG int64) string {
	return fmt.Sprintf("rec:last_active:%d:%d", botID, userTG)
}

// touchActivity records user activity and cancels any in-flight
// recovery episode: an engaged user must never get a "come back" nudge.
func (s *Services) touchActivity(ctx context.Context, botID, userTG int64) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	if err := s.kv.Set(ctx, lastActiveKey(botID, userTG), now, recoveryStateTTL); err != nil {
		s.logger.Error("activity touch failed", "bot_id", botID, "error", err)
	}
	s.cancelRecoveryEpisode(ctx, botID, userTG)
}

func (s *Services) cancelRecoveryEpisode(ctx context.Context, botID, userTG int64) {
	key := episodeKey(botID, userTG)
	episodeID, ok, err := s.kv.Get(ctx, key)
	if err != nil || !ok {
		return
	}
	if err := s.store.CancelEpisode(ctx, botID, userTG, episodeID); err != nil {
		s.logger.Error("episode cancel failed", "bot_id", botID, "user", userTG, "error", err)
		return
	}
	if err := s.kv.Del(ctx, key); err != nil {
		s.logger.Error("episode key cleanup failed", "bot_id", botID, "error", err)
	}
}

// sweepRecovery is the watchdog pass: for every active campaign, plan an
// episode for each newly inactive user. Runs under the sweeper lock.
func (s *Services) sweepRecovery(ctx context.Context) error {
	campaigns, err := s.store.ListActiveCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range campaigns {
		if err := s.planCampaignEpisodes(ctx, c); err != nil {
			s.logger.Error("recovery planning failed", "campaign", c.ID, "error", err)
		}
	}

	due, err := s.store.DueRecoveryDeliveries(ctx, time.Now().UTC(), 200)
	if err != nil {
		return err
	}
	for _, d := range due {
		if err := s.enq.Enqueue(ctx, TaskRecoverySend, RecoverySendPayload{DeliveryID: d.ID}); err != nil {
			s.logger.Error("recovery enqueue failed", "delivery", d.ID, "error", err)
		}
	}
	return nil
}

func (s *Services) planCampaignEpisodes(ctx context.Context, c *store.RecoveryCampaign) error {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		s.logger.Error("bad campaign timezone, using UTC", "campaign", c.ID, "tz", c.Timezone)
		loc = time.UTC
	}
	steps, err := s.store.ListRecoverySteps(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	threshold := time.Duration(c.InactivityThresholdSeconds) * time.Second
	sessions, err := s.store.InactiveSessions(ctx, c.BotID, threshold, inactiveScanLimit)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sess := range sessions {
		userTG := sess.UserTelegramID
		if c.SkipPaidUsers {
			paid, err := s.store.UserHasPaid(ctx, c.BotID, userTG)
			if err != nil {
				return err
			}
			if paid {
				continue
			}
		}
		episodeID := uuid.NewString()
		won, err := s.kv.SetNX(ctx, episodeKey(c.BotID, userTG), episodeID, recoveryStateTTL)
		if err != nil {
			return err
		}
		if !won {
			continue // episode already in flight
		}
		// only the first step is scheduled here; each sent step
		// schedules the next one, anchored at its own send time, so
		// relative expressions compound across the episode
		first := steps[0]
		at, err := scheduler.Resolve(first.ScheduleKind, first.ScheduleValue, now, loc)
		if err != nil {
			s.logger.Error("unresolvable recovery step",
				"campaign", c.ID, "step", first.ID, "error", err)
			if derr := s.kv.Del(ctx, episodeKey(c.BotID, userTG)); derr != nil {
				s.logger.Error("episode key cleanup failed", "bot_id", c.BotID, "error", derr)
			}
			continue
		}
		if _, err := s.store.EnsureRecoveryDelivery(ctx, &store.RecoveryDelivery{
			BotID:           c.BotID,
			UserID:          userTG,
			CampaignID:      c.ID,
			StepID:          first.ID,
			EpisodeID:       episodeID,
			VersionSnapshot: c.Version,
			ScheduledFor:    at.UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// nextRecoveryFire picks the step after sentStepID in ordinal order and
// resolves its wall-clock fire time against now, the moment the previous
// step was sent. Returns a nil step when the episode is finished.
func nextRecoveryFire(steps []*store.RecoveryStep, sentStepID int64, now time.Time, loc *time.Location) (*store.RecoveryStep, time.Time, error) {
	for i, st := range steps {
		if st.ID != sentStepID {
			continue
		}
		if i+1 >= len(steps) {
			return nil, time.Time{}, nil
		}
		next := steps[i+1]
		at, err := scheduler.Resolve(next.ScheduleKind, next.ScheduleValue, now, loc)
		if err != nil {
			return nil, time.Time{}, err
		}
		return next, at, nil
	}
	return nil, time.Time{}, nil
}

// scheduleNextStep arms the step that follows a successful send.
func (s *Services) scheduleNextStep(ctx context.Context, campaign *store.RecoveryCampaign, delivery *store.RecoveryDelivery) error {
	steps, err := s.store.ListRecoverySteps(ctx, campaign.ID)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(campaign.Timezone)
	if err != nil {
		loc = time.UTC
	}
	next, at, err := nextRecoveryFire(steps, delivery.StepID, time.Now(), loc)
	if err != nil {
		s.logger.Error("unresolvable recovery step",
			"campaign", campaign.ID, "after_step", delivery.StepID, "error", err)
		return nil
	}
	if next == nil {
		return nil
	}
	_, err = s.store.EnsureRecoveryDelivery(ctx, &store.RecoveryDelivery{
		BotID:           delivery.BotID,
		UserID:          delivery.UserID,
		CampaignID:      campaign.ID,
		StepID:          next.ID,
		EpisodeID:       delivery.EpisodeID,
		VersionSnapshot: delivery.VersionSnapshot,
		ScheduledFor:    at.UTC(),
	})
	return err
}

// handleRecoverySend delivers one recovery step and then schedules the
// following one. A reconfigured campaign or a user who came back in the
// meantime skips the step and ends the episode.
func (s *Services) handleRecoverySend(ctx context.Context, task *queue.Task) error {
	var p RecoverySendPayload
	if err := task.Decode(&p); err != nil {
		return faults.New(faults.KindPermanent, err)
	}
	delivery, err := s.store.GetRecoveryDeliveryByID(ctx, p.DeliveryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return faults.Consistency("recovery delivery %d gone", p.DeliveryID)
		}
		return err
	}
	if delivery.Status != store.RecoveryScheduled {
		return faults.Conflict("recovery delivery %d already handled", p.DeliveryID)
	}

	campaign, err := s.store.GetRecoveryCampaign(ctx, delivery.BotID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_, cerr := s.store.ClaimRecoveryDelivery(ctx, delivery.ID, store.RecoverySkipped)
			return cerr
		}
		return err
	}
	skip := !campaign.IsActive || campaign.Version != delivery.VersionSnapshot

	// the episode key is deleted when the user comes back; a missing
	// key means the episode is stale
	if !skip {
		episodeID, ok, err := s.kv.Get(ctx, episodeKey(delivery.BotID, delivery.UserID))
		if err != nil {
			return err
		}
		if !ok || episodeID != delivery.EpisodeID {
			skip = true
		}
	}

	if skip {
		won, err := s.store.ClaimRecoveryDelivery(ctx, delivery.ID, store.RecoverySkipped)
		if err != nil {
			return err
		}
		if !won {
			return faults.Conflict("recovery delivery %d already handled", delivery.ID)
		}
		return nil
	}

	won, err := s.store.ClaimRecoveryDelivery(ctx, delivery.ID, store.RecoverySent)
	if err != nil {
		return err
	}
	if !won {
		return faults.Conflict("recovery delivery %d already handled", delivery.ID)
	}

	bot, token, err := s.loadBot(ctx, delivery.BotID)
	if err != nil {
		return err
	}
	if err := s.sender.Send(ctx, token, bot.ID, delivery.UserID,
		store.ContainerRecoveryStep, delivery.StepID, nil); err != nil {
		return err
	}
	return s.scheduleNextStep(ctx, campaign, delivery)
}
