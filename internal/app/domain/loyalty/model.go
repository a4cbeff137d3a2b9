// Package loyalty defines fan badge levels and the fixed accrual tables.
// A badge level is a pure function of cumulative spend and support duration
// and never decreases.
package loyalty

import "time"

// Level is a badge tier.
type Level string

const (
	Bronze   Level = "bronze"
	Silver   Level = "silver"
	Gold     Level = "gold"
	Platinum Level = "platinum"
	Diamond  Level = "diamond"
)

// InteractionType classifies a tracked interaction. Zero-value types still
// advance support duration.
type InteractionType string

const (
	InteractionInitial      InteractionType = "initial"
	InteractionPurchase     InteractionType = "purchase"
	InteractionTip          InteractionType = "tip"
	InteractionSubscription InteractionType = "subscription"
	InteractionGift         InteractionType = "gift"
)

// Threshold is one row of the tier table. A tier is reached when either the
// spend or the support-duration requirement is met.
type Threshold struct {
	Level    Level
	MinSpend int64
	MinDays  int64
	BonusPct int64
	Emoji    string
}

// Thresholds is ordered highest tier first so level computation can take the
// first satisfied row.
var Thresholds = []Threshold{
	{Level: Diamond, MinSpend: 50000, MinDays: 365, BonusPct: 20, Emoji: "👑"},
	{Level: Platinum, MinSpend: 20000, MinDays: 180, BonusPct: 15, Emoji: "💎"},
	{Level: Gold, MinSpend: 5000, MinDays: 90, BonusPct: 10, Emoji: "🥇"},
	{Level: Silver, MinSpend: 1000, MinDays: 30, BonusPct: 5, Emoji: "🥈"},
	{Level: Bronze, MinSpend: 0, MinDays: 0, BonusPct: 0, Emoji: "🥉"},
}

// rank orders levels for monotonicity checks.
var rank = map[Level]int{Bronze: 0, Silver: 1, Gold: 2, Platinum: 3, Diamond: 4}

// LevelFor returns the highest tier satisfied by the given spend and
// support-duration figures.
func LevelFor(totalSpend, supportDays int64) Level {
	for _, t := range Thresholds {
		if totalSpend >= t.MinSpend || (t.MinDays > 0 && supportDays >= t.MinDays) {
			return t.Level
		}
	}
	return Bronze
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b Level) Level {
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Bonus returns the discount bonus percent for a level.
func Bonus(level Level) int64 {
	for _, t := range Thresholds {
		if t.Level == level {
			return t.BonusPct
		}
	}
	return 0
}

// Emoji returns the display emoji for a level.
func Emoji(level Level) string {
	for _, t := range Thresholds {
		if t.Level == level {
			return t.Emoji
		}
	}
	return "🥉"
}

// perks enumerates each level's perks independently rather than by
// inheritance; the lists are supersets in spirit only.
var perks = map[Level][]string{
	Bronze: {
		"loyalty badge next to your name",
	},
	Silver: {
		"loyalty badge next to your name",
		"5% discount on creator content",
		"priority in call queues",
	},
	Gold: {
		"loyalty badge next to your name",
		"10% discount on creator content",
		"priority in call queues",
		"access to subscriber-only streams",
	},
	Platinum: {
		"loyalty badge next to your name",
		"15% discount on creator content",
		"front of call queues",
		"access to subscriber-only streams",
		"monthly bonus tokens",
	},
	Diamond: {
		"loyalty badge next to your name",
		"20% discount on creator content",
		"front of call queues",
		"access to subscriber-only streams",
		"monthly bonus tokens",
		"direct creator DMs",
	},
}

// Perks returns the fixed perk list for a level.
func Perks(level Level) []string {
	return append([]string(nil), perks[level]...)
}

// Badge is the per-(fan, creator) accrual record. CreatorID is empty for the
// platform-wide badge.
type Badge struct {
	FanID              string    `json:"fanId"`
	CreatorID          string    `json:"creatorId,omitempty"`
	TotalSpend         int64     `json:"totalSpend"`
	SupportDays        int64     `json:"supportDays"`
	Level              Level     `json:"level"`
	Emoji              string    `json:"emoji"`
	FirstInteractionAt time.Time `json:"firstInteractionAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// DefaultBadge synthesizes the zero-spend bronze badge returned for fans with
// no accrual history yet.
func DefaultBadge(fanID, creatorID string) Badge {
	now := time.Now().UTC()
	return Badge{
		FanID:              fanID,
		CreatorID:          creatorID,
		Level:              Bronze,
		Emoji:              Emoji(Bronze),
		FirstInteractionAt: now,
		UpdatedAt:          now,
	}
}
