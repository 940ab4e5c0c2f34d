package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gmauleon.org/agecheck/pkg/snowflake"
)

type checkRequest struct {
	DiscordID string `json:"discord_id"`
	Recaptcha string `json:"recaptcha"`
}

var idRules = []validation.Rule{
	validation.Required.Error("Discord ID is required"),
	validation.Match(snowflake.Pattern).Error("Discord ID must be a 17-19 digit number"),
}

var usernameRules = []validation.Rule{
	validation.Required.Error("username is required"),
	validation.RuneLength(1, 64).Error("username must be at most 64 characters"),
}

func validateID(id string) error {
	return validation.Validate(id, idRules...)
}

func validateUsername(username string) error {
	return validation.Validate(username, usernameRules...)
}

func validateToken(token string) error {
	return validation.Validate(token, validation.Required.Error("reCAPTCHA token is required"))
}
