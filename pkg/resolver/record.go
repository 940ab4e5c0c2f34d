package resolver

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"gmauleon.org/agecheck/pkg/snowflake"
)

type Kind string

const (
	KindUser  Kind = "user"
	KindGuild Kind = "guild"
)

const (
	UnknownGuildName        = "Unknown (not publicly discoverable)"
	UnknownGuildDescription = "This server is not publicly discoverable, only its creation date could be derived from its ID."
	UnknownName             = "Unknown"
)

// Record is what is known about a Discord user or guild.
type Record struct {
	Kind Kind
	ID   string
	Name string
	// Avatar is the user's avatar hash or the guild's icon hash.
	Avatar      string
	Bot         bool
	Locale      string
	PublicFlags int
	PremiumType int
	Verified    bool
	MemberCount int
	Description string
	CreatedAt   time.Time
	// Degraded records are synthesised from the ID alone.
	Degraded bool
}

func userRecord(u *discordgo.User, createdAt time.Time) *Record {
	return &Record{
		Kind:        KindUser,
		ID:          u.ID,
		Name:        u.Username,
		Avatar:      u.Avatar,
		Bot:         u.Bot,
		Locale:      u.Locale,
		PublicFlags: int(u.PublicFlags),
		PremiumType: int(u.PremiumType),
		Verified:    u.Verified,
		CreatedAt:   createdAt,
	}
}

func guildRecord(p *discordgo.GuildPreview, guildID string, createdAt time.Time) *Record {
	r := &Record{
		Kind:        KindGuild,
		ID:          guildID,
		Name:        p.Name,
		Avatar:      p.Icon,
		MemberCount: p.ApproximateMemberCount,
		Description: p.Description,
		CreatedAt:   createdAt,
	}
	if r.Name == "" {
		r.Name = UnknownName
	}

	return r
}

// snowflakeRecord builds a degraded record from the ID alone. The ID must
// already match snowflake.Pattern.
func snowflakeRecord(kind Kind, id string) (*Record, error) {
	createdAt, err := snowflake.Time(id)
	if err != nil {
		return nil, err
	}

	r := &Record{
		Kind:      kind,
		ID:        id,
		Name:      UnknownName,
		CreatedAt: createdAt,
		Degraded:  true,
	}
	if kind == KindGuild {
		r.Name = UnknownGuildName
		r.Description = UnknownGuildDescription
	}

	return r, nil
}
