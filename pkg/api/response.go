package api

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"gmauleon.org/agecheck/pkg/age"
	"gmauleon.org/agecheck/pkg/resolver"
)

const (
	placeholderAvatar = "https://via.placeholder.com/50"
	notAvailable      = "N/A"
	isoMillis         = "2006-01-02T15:04:05.000Z07:00"
	usDate            = "1/2/2006"
)

// AccountCheckResponse answers POST /api/discord.
type AccountCheckResponse struct {
	DiscordID             string `json:"discord_id"`
	Username              string `json:"username"`
	Avatar                string `json:"avatar"`
	EstimatedCreationDate string `json:"estimated_creation_date"`
	AccountAge            string `json:"account_age"`
	AgeDays               int64  `json:"age_days"`
	IsBot                 bool   `json:"is_bot"`
	Locale                string `json:"locale"`
	EstimationConfidence  string `json:"estimation_confidence"`
	AccuracyRange         string `json:"accuracy_range"`
}

// UserAgeResponse answers the user ID and username lookups.
type UserAgeResponse struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	CreationDate string `json:"creationDate"`
	AccountAge   string `json:"accountAge"`
	AgeDays      int64  `json:"age_days"`
	Avatar       string `json:"avatar"`
	PublicFlags  int    `json:"publicFlags"`
	PremiumType  int    `json:"premiumType"`
	Verified     bool   `json:"verified"`
	Description  string `json:"description"`
	Locale       string `json:"locale"`
}

// GuildAgeResponse answers the guild lookup.
type GuildAgeResponse struct {
	GuildID                string `json:"guildId"`
	Name                   string `json:"name"`
	CreationDate           string `json:"creationDate"`
	AccountAge             string `json:"accountAge"`
	AgeDays                int64  `json:"age_days"`
	Icon                   string `json:"icon"`
	ApproximateMemberCount int    `json:"approximate_member_count"`
	MemberCount            int    `json:"memberCount"`
	Description            string `json:"description"`
	Region                 string `json:"region"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func accountCheckResponse(r *resolver.Record, b age.Breakdown) AccountCheckResponse {
	return AccountCheckResponse{
		DiscordID:             r.ID,
		Username:              orNA(r.Name),
		Avatar:                avatarURL(r),
		EstimatedCreationDate: r.CreatedAt.UTC().Format(usDate),
		AccountAge:            b.String(),
		AgeDays:               b.TotalDays,
		IsBot:                 r.Bot,
		Locale:                orNA(r.Locale),
		EstimationConfidence:  "High",
		AccuracyRange:         "Exact",
	}
}

func userAgeResponse(r *resolver.Record, b age.Breakdown) UserAgeResponse {
	description := r.Description
	if r.Degraded {
		description = "Creation date derived from the user ID, no profile data is available."
	}

	return UserAgeResponse{
		UserID:       r.ID,
		Username:     r.Name,
		CreationDate: r.CreatedAt.UTC().Format(isoMillis),
		AccountAge:   b.String(),
		AgeDays:      b.TotalDays,
		Avatar:       avatarURL(r),
		PublicFlags:  r.PublicFlags,
		PremiumType:  r.PremiumType,
		Verified:     r.Verified,
		Description:  description,
		Locale:       orNA(r.Locale),
	}
}

func guildAgeResponse(r *resolver.Record, b age.Breakdown) GuildAgeResponse {
	icon := ""
	if r.Avatar != "" {
		icon = discordgo.EndpointGuildIcon(r.ID, r.Avatar)
	}

	description := r.Description
	if description == "" {
		description = "No description available"
	}

	return GuildAgeResponse{
		GuildID:                r.ID,
		Name:                   r.Name,
		CreationDate:           r.CreatedAt.UTC().Format(isoMillis),
		AccountAge:             b.String(),
		AgeDays:                b.TotalDays,
		Icon:                   icon,
		ApproximateMemberCount: r.MemberCount,
		MemberCount:            r.MemberCount,
		Description:            description,
		Region:                 notAvailable,
	}
}

func avatarURL(r *resolver.Record) string {
	if r.Avatar == "" {
		return placeholderAvatar
	}
	return discordgo.EndpointUserAvatar(r.ID, r.Avatar)
}

func orNA(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}

type healthResponse struct {
	Status    string `json:"status"`
	BotReady  bool   `json:"botReady"`
	Timestamp string `json:"timestamp"`
}

func newHealthResponse(ready bool, now time.Time) healthResponse {
	return healthResponse{
		Status:    "healthy",
		BotReady:  ready,
		Timestamp: now.UTC().Format(isoMillis),
	}
}
