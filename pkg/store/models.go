package store

import "time"

// Bot is a registered secondary bot. Token is stored encrypted and only
// decrypted inside workers.
type Bot struct {
	ID                int64
	OwnerAdminID      int64
	TokenEncrypted    string
	Username          string
	WebhookSecret     string
	AssociatedOfferID *int64
	IsActive          bool
	CreatedAt         time.Time
}

// User is one end user of one bot.
type User struct {
	ID               int64
	BotID            int64
	TelegramID       int64
	FirstInteraction time.Time
	LastInteraction  time.Time
}

// AIConfig is the per-bot conversation configuration.
type AIConfig struct {
	BotID         int64
	IsEnabled     bool
	GeneralPrompt string
	ModelType     string
	Temperature   float64
	MaxTokens     int
}

// Phase is a named prompt state; presence of a trigger term in LLM output
// transitions the session into it.
type Phase struct {
	ID           int64
	BotID        int64
	Name         string
	Prompt       string
	TriggerTerms []string
	Ordering     int
	IsGeneral    bool
}

// Session is the conversation state for one (bot, user).
type Session struct {
	BotID          int64
	UserTelegramID int64
	CurrentPhaseID *int64
	HistoryVersion int
	MessageCount   int
	LastActiveAt   time.Time
}

// HistoryEntry is one turn of the conversation.
type HistoryEntry struct {
	ID               int64
	Role             string // user | assistant
	Content          string
	MediaRef         *string
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	CreatedAt        time.Time
}

// Container kinds for blocks.
const (
	ContainerStartTemplate           = "start_template"
	ContainerOfferPitch              = "offer_pitch"
	ContainerOfferDeliverable        = "offer_deliverable"
	ContainerOfferManualVerification = "offer_manual_verification"
	ContainerAction                  = "action"
	ContainerUpsellAnnouncement      = "upsell_announcement"
	ContainerUpsellDeliverable       = "upsell_deliverable"
	ContainerRecoveryStep            = "recovery_step"
	ContainerDiscount                = "discount"
)

// Block is one ordered content fragment inside a container.
type Block struct {
	ID                int64
	BotID             int64
	ContainerKind     string
	ContainerID       int64
	Order             int
	Text              *string
	MediaRef          *string
	MediaKind         *string // photo|video|voice|document|animation
	DelaySeconds      int
	AutoDeleteSeconds int
}

// Offer is a sellable product attached to a bot.
type Offer struct {
	ID                        int64
	BotID                     int64
	Name                      string
	PriceCents                int64
	Currency                  string
	ManualVerificationTrigger *string
	DiscountTrigger           *string
	IsActive                  bool
}

// Action is a named trigger with a block sequence.
type Action struct {
	ID         int64
	BotID      int64
	Name       string
	TrackUsage bool
	IsActive   bool
}

// Action status values for track-usage actions.
const (
	ActionStatusInactive  = "INACTIVE"
	ActionStatusActivated = "ACTIVATED"
)

// Upsell is a follow-up product with its own announcement and deliverable.
type Upsell struct {
	ID              int64
	BotID           int64
	Ordinal         int
	IsPreset        bool
	TriggerTerm     *string
	PhasePrompt     string
	PriceCents      int64
	ScheduleKind    string // immediate | relative
	ScheduleDays    int
	ScheduleHours   int
	ScheduleMinutes int
	IsActive        bool
}

// Upsell delivery states.
const (
	UpsellArmed     = "armed"
	UpsellScheduled = "scheduled"
	UpsellAnnounced = "announced"
	UpsellDelivered = "delivered"
	UpsellSkipped   = "skipped"
)

// UpsellDelivery is the per-user state of one upsell.
type UpsellDelivery struct {
	ID             int64
	BotID          int64
	UserTelegramID int64
	UpsellID       int64
	Status         string
	ScheduledFor   *time.Time
	SentAt         *time.Time
}

// RecoveryCampaign configures inactivity recovery for one bot.
type RecoveryCampaign struct {
	ID                         int64
	BotID                      int64
	InactivityThresholdSeconds int
	Timezone                   string
	SkipPaidUsers              bool
	IsActive                   bool
	Version                    int
}

// RecoveryStep is one scheduled message of a campaign.
type RecoveryStep struct {
	ID            int64
	CampaignID    int64
	Ordinal       int
	ScheduleKind  string
	ScheduleValue string
	IsActive      bool
}

// Recovery delivery states.
const (
	RecoveryScheduled = "scheduled"
	RecoverySent      = "sent"
	RecoverySkipped   = "skipped"
)

// RecoveryDelivery records one step of one episode for one user.
type RecoveryDelivery struct {
	ID              int64
	BotID           int64
	UserID          int64
	CampaignID      int64
	StepID          int64
	EpisodeID       string
	VersionSnapshot int
	Status          string
	ScheduledFor    time.Time
	SentAt          *time.Time
}

// PIX transaction states.
const (
	PixCreated   = "created"
	PixPending   = "pending"
	PixPaid      = "paid"
	PixDelivered = "delivered"
	PixExpired   = "expired"
	PixFailed    = "failed"
)

// PIX transaction categories.
const (
	PixCategorySale   = "sale"
	PixCategoryUpsell = "upsell"
	PixCategoryTopup  = "topup"
)

// PixTransaction is one payment attempt.
type PixTransaction struct {
	ID             int64
	BotID          int64
	UserTelegramID int64
	AdminID        int64
	OfferID        *int64
	UpsellID       *int64
	TrackerID      *int64
	Category       string
	AmountCents    int64
	Status         string
	ExternalID     string
	QRCode         string
	CreatedAt      time.Time
	PaidAt         *time.Time
}

// Sale notification states.
const (
	NotifPending = "pending"
	NotifSent    = "sent"
	NotifSkipped = "skipped"
	NotifFailed  = "failed"
)

// Ledger categories.
const (
	LedgerText    = "text"
	LedgerWhisper = "whisper"
	LedgerTopup   = "topup"
	LedgerRefund  = "refund"
)

// LedgerEntry is one append-only wallet movement.
type LedgerEntry struct {
	ID         int64
	AdminID    int64
	DeltaCents int64
	Category   string
	Ref        string
	CreatedAt  time.Time
}

// Tracker is a /start deep-link attribution code.
type Tracker struct {
	ID       int64
	BotID    int64
	Code     string
	Name     string
	IsActive bool
}

// TrackerDailyStat is one day's aggregate for a tracker.
type TrackerDailyStat struct {
	BotID        int64
	TrackerID    int64
	Day          time.Time
	Starts       int
	Sales        int
	RevenueCents int64
}

// TrackingConfig is the per-bot forced-tracking switch.
type TrackingConfig struct {
	BotID               int64
	RequireTrackedStart bool
	LastForcedAt        *time.Time
}

// StartTemplate carries the per-bot start sequence version.
type StartTemplate struct {
	ID       int64
	BotID    int64
	Version  int
	IsActive bool
}

// AntiSpamConfig is the per-bot spam policy.
type AntiSpamConfig struct {
	BotID            int64
	MaxMsgsPerMinute int
	ForbiddenTerms   []string
	BanLinks         bool
	BanForwards      bool
	IsActive         bool
}
