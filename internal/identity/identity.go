package identity

import "time"

// User is the engine's read-only view of an authenticated clinician.
type User struct {
	ID             string    `json:"user_id"`
	Role           string    `json:"role"`
	Specialty      string    `json:"specialty"`
	AccountCreated time.Time `json:"account_created"`
}

// ExperienceDays is the account age in whole days, never negative.
func (u User) ExperienceDays(now time.Time) int {
	if u.AccountCreated.IsZero() || now.Before(u.AccountCreated) {
		return 0
	}
	return int(now.Sub(u.AccountCreated).Hours() / 24)
}

// ExperienceTier buckets account age for fairness grouping.
func (u User) ExperienceTier(now time.Time) string {
	d := u.ExperienceDays(now)
	switch {
	case d < 30:
		return "new"
	case d < 365:
		return "established"
	default:
		return "veteran"
	}
}

// SpecialtyKey normalizes an empty specialty to "global".
func (u User) SpecialtyKey() string {
	if u.Specialty == "" {
		return "global"
	}
	return u.Specialty
}
