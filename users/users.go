package users

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DeveloperType is the developer category chosen at registration.
type DeveloperType string

const (
	DeveloperFrontend  DeveloperType = "FRONTEND"
	DeveloperBackend   DeveloperType = "BACKEND"
	DeveloperFullstack DeveloperType = "FULLSTACK"
	DeveloperMobile    DeveloperType = "MOBILE"
	DeveloperDesigner  DeveloperType = "DESIGNER"
	DeveloperDevOps    DeveloperType = "DEVOPS"
	DeveloperOther     DeveloperType = "OTHER"
)

// SubscriptionPlan is the user's billing tier
type SubscriptionPlan string

const (
	PlanFree  SubscriptionPlan = "FREE"
	PlanBasic SubscriptionPlan = "BASIC"
	PlanPro   SubscriptionPlan = "PRO"
)

type User struct {
	ID               string           `json:"id" validate:"required"`
	Email            string           `json:"email,omitempty" validate:"omitempty,email"` // empty for GitHub users with a private email
	Nickname         string           `json:"nickname,omitempty"`
	ProfileImage     string           `json:"profileImage,omitempty"`
	DeveloperType    DeveloperType    `json:"developerType,omitempty" validate:"omitempty,oneof=FRONTEND BACKEND FULLSTACK MOBILE DESIGNER DEVOPS OTHER"`
	SubscriptionPlan SubscriptionPlan `json:"subscriptionPlan,omitempty" validate:"omitempty,oneof=FREE BASIC PRO"`
	HourlyRate       float64          `json:"hourlyRate,omitempty" validate:"gte=0"`
	Timezone         string           `json:"timezone,omitempty"`
	GitHubUsername   string           `json:"githubUsername,omitempty"`
	GitLabUsername   string           `json:"gitlabUsername,omitempty"`
}

var validate = validator.New()

// Validate checks the user has the shape the session relies on.
func (u *User) Validate() error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	return validate.Struct(u)
}

// Parse decodes a serialized user and validates it.
func Parse(data []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("invalid user: %w", err)
	}
	return &u, nil
}

// Clone returns a copy so callers can't mutate session owned data.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// DisplayName prefers the nickname, then the email.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Email
}
