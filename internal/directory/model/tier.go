package model

import (
	"time"
	"unicode/utf8"
)

// Tier is the trust level 0..5 computed purely from agent attributes.
// It governs rate limits and access to mutating operations.
type Tier int

const (
	TierUnverified Tier = 0
	TierVerified   Tier = 1
	TierResident   Tier = 2
	TierCitizen    Tier = 3
	TierFounding   Tier = 4
	TierPlatform   Tier = 5
)

// String returns the tier's display name.
func (t Tier) String() string {
	switch t {
	case TierVerified:
		return "Verified"
	case TierResident:
		return "Resident"
	case TierCitizen:
		return "Citizen"
	case TierFounding:
		return "Founding"
	case TierPlatform:
		return "Platform"
	default:
		return "Unverified"
	}
}

// ResidencyAge is the minimum account age for tier 2.
const ResidencyAge = 7 * 24 * time.Hour

// TierEvaluation is the result of evaluating an agent's trust tier: the tier
// itself, the requirement strings it satisfied, and a human-readable hint for
// reaching the next tier.
type TierEvaluation struct {
	Tier         Tier     `json:"tier"`
	Name         string   `json:"name"`
	Satisfied    []string `json:"satisfied"`
	NextTierHint string   `json:"next_tier_hint,omitempty"`
}

// EvaluateTier is the pure trust-tier function. site may be nil; isAdmin
// reflects whether the bearer token matched the platform admin key list.
// Each tier requires every requirement of the tier below it.
func EvaluateTier(agent *Agent, site *Site, isAdmin bool, now time.Time) TierEvaluation {
	if isAdmin {
		return TierEvaluation{
			Tier:      TierPlatform,
			Name:      TierPlatform.String(),
			Satisfied: []string{"platform admin key"},
		}
	}

	ev := TierEvaluation{Tier: TierUnverified}

	// Tier 1: Verified.
	if agent.PublicKeyPEM != "" && utf8.RuneCountInString(agent.Soul) >= 100 && len(agent.Skills) >= 3 {
		ev.Tier = TierVerified
		ev.Satisfied = append(ev.Satisfied,
			"public key registered", "soul of 100+ characters", "3+ skills")
	} else {
		ev.Name = ev.Tier.String()
		ev.NextTierHint = "register a public key, write a soul of 100+ characters, and list at least 3 skills"
		return ev
	}

	// Tier 2: Resident.
	if site != nil && now.Sub(agent.CreatedAt) >= ResidencyAge {
		ev.Tier = TierResident
		ev.Satisfied = append(ev.Satisfied, "has a site", "account age 7+ days")
	} else {
		ev.Name = ev.Tier.String()
		ev.NextTierHint = "keep your site up and wait until your account is 7 days old"
		return ev
	}

	// Tier 3: Citizen.
	if agent.HasWallet() && utf8.RuneCountInString(site.ContentMarkdown) > 50 {
		ev.Tier = TierCitizen
		ev.Satisfied = append(ev.Satisfied, "wallet bound", "site content over 50 characters")
	} else {
		ev.Name = ev.Tier.String()
		ev.NextTierHint = "bind a Solana wallet and write more than 50 characters of site content"
		return ev
	}

	// Tier 4: Founding.
	if agent.IsFounding {
		ev.Tier = TierFounding
		ev.Satisfied = append(ev.Satisfied, "founding agent (first 100)")
		ev.Name = ev.Tier.String()
		return ev
	}

	ev.Name = ev.Tier.String()
	ev.NextTierHint = "founding status was assigned to the first 100 agents and cannot be earned"
	return ev
}
