package reminder

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Rule is one row of the policy table: send on Channel, Offset before the
// appointment, rendering Template.
type Rule struct {
	Channel  Channel
	Offset   time.Duration
	Template string
}

// PolicyTable maps each tier to its reminder rules. It is plain data so the
// offsets can be tuned without touching the engine.
type PolicyTable struct {
	Version string
	Tiers   map[Tier][]Rule
}

// DefaultPolicy is the production reminder table.
func DefaultPolicy() PolicyTable {
	return PolicyTable{
		Version: "2024-default",
		Tiers: map[Tier][]Rule{
			TierLow: {
				{Channel: ChannelEmail, Offset: 72 * time.Hour, Template: TemplateEarly},
			},
			TierMedium: {
				{Channel: ChannelEmail, Offset: 72 * time.Hour, Template: TemplateEarly},
				{Channel: ChannelEmail, Offset: 48 * time.Hour, Template: TemplateStandard},
				{Channel: ChannelSMS, Offset: 24 * time.Hour, Template: TemplateDayBefore},
			},
			TierHigh: {
				{Channel: ChannelEmail, Offset: 72 * time.Hour, Template: TemplateEarly},
				{Channel: ChannelEmail, Offset: 48 * time.Hour, Template: TemplateStandard},
				{Channel: ChannelSMS, Offset: 24 * time.Hour, Template: TemplateDayBefore},
				{Channel: ChannelSMS, Offset: 2 * time.Hour, Template: TemplateFinal},
				{Channel: ChannelCall, Offset: 2 * time.Hour, Template: TemplateCall},
			},
		},
	}
}

var tierOrder = []Tier{TierLow, TierMedium, TierHigh}

// Validate checks that every rule is usable and no tier repeats a
// (channel, offset) pair.
func (p PolicyTable) Validate() error {
	for _, tier := range tierOrder {
		seen := make(map[string]struct{})
		for _, r := range p.Tiers[tier] {
			if !r.Channel.Valid() {
				return fmt.Errorf("%w: tier %s has unknown channel %q", ErrInvalidInput, tier, r.Channel)
			}
			if r.Offset <= 0 {
				return fmt.Errorf("%w: tier %s rule %s has non-positive offset %s", ErrInvalidInput, tier, r.Channel, r.Offset)
			}
			key := fmt.Sprintf("%s@%s", r.Channel, r.Offset)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: tier %s repeats %s", ErrInvalidInput, tier, key)
			}
			seen[key] = struct{}{}
		}
	}
	for tier := range p.Tiers {
		if tier.Priority() == 0 {
			return fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
		}
	}
	return nil
}

// ChannelRank is the position at which a channel is first declared in the
// table, scanning tiers low to high. Undeclared channels sort last.
func (p PolicyTable) ChannelRank(ch Channel) int {
	rank := 0
	seen := make(map[Channel]struct{})
	for _, tier := range tierOrder {
		for _, r := range p.Tiers[tier] {
			if _, ok := seen[r.Channel]; ok {
				continue
			}
			if r.Channel == ch {
				return rank
			}
			seen[r.Channel] = struct{}{}
			rank++
		}
	}
	return rank
}

type ruleJSON struct {
	Channel  Channel `json:"channel"`
	Offset   string  `json:"offset"`
	Template string  `json:"template"`
}

type policyJSON struct {
	Version string              `json:"version"`
	Tiers   map[Tier][]ruleJSON `json:"tiers"`
}

// ParsePolicy decodes a JSON policy table such as
// {"version":"v2","tiers":{"low":[{"channel":"email","offset":"72h","template":"early"}]}}.
func ParsePolicy(data []byte) (PolicyTable, error) {
	var raw policyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return PolicyTable{}, fmt.Errorf("%w: decode policy: %v", ErrInvalidInput, err)
	}

	table := PolicyTable{Version: raw.Version, Tiers: make(map[Tier][]Rule, len(raw.Tiers))}
	for tier, rules := range raw.Tiers {
		for _, r := range rules {
			offset, err := time.ParseDuration(r.Offset)
			if err != nil {
				return PolicyTable{}, fmt.Errorf("%w: tier %s offset %q: %v", ErrInvalidInput, tier, r.Offset, err)
			}
			tpl := r.Template
			if tpl == "" {
				tpl = TemplateStandard
			}
			table.Tiers[tier] = append(table.Tiers[tier], Rule{Channel: r.Channel, Offset: offset, Template: tpl})
		}
	}

	if err := table.Validate(); err != nil {
		return PolicyTable{}, err
	}
	return table, nil
}

// LoadPolicyFile reads a policy table from disk.
func LoadPolicyFile(path string) (PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicyTable{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// BuildPlan expands the tier's rules into plan items for one appointment.
// Items whose offset exceeds the booking lead time are skipped with
// insufficient_lead_time; items whose channel has no address on file are
// skipped with no_contact. Everything else is pending. The result is sorted
// by ScheduledFor, ties by channel rank.
func BuildPlan(appt Appointment, tier Tier, contact ContactInfo, table PolicyTable) ([]Item, error) {
	if tier.Priority() == 0 {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	if err := appt.Validate(); err != nil {
		return nil, err
	}

	leadTime := appt.ScheduledTime.Sub(appt.BookedAt)
	rules := table.Tiers[tier]
	items := make([]Item, 0, len(rules))

	for _, r := range rules {
		if r.Offset <= 0 {
			return nil, fmt.Errorf("%w: non-positive offset %s", ErrInvalidInput, r.Offset)
		}
		scheduledFor := appt.ScheduledTime.Add(-r.Offset)
		it := Item{
			ID:            uuid.New(),
			AppointmentID: appt.ID,
			PatientID:     appt.PatientID,
			Tier:          tier,
			Channel:       r.Channel,
			Template:      r.Template,
			Offset:        r.Offset,
			ScheduledFor:  scheduledFor,
			DueAt:         scheduledFor,
			Status:        StatusPending,
			rank:          table.ChannelRank(r.Channel),
		}

		switch {
		case r.Offset > leadTime:
			it.Status = StatusSkipped
			it.SkipReason = SkipInsufficientLeadTime
		case contact.AddressFor(r.Channel) == "":
			it.Status = StatusSkipped
			it.SkipReason = SkipNoContact
		}
		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].ScheduledFor.Equal(items[j].ScheduledFor) {
			return items[i].ScheduledFor.Before(items[j].ScheduledFor)
		}
		return items[i].rank < items[j].rank
	})

	return items, nil
}
