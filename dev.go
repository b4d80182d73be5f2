package oidcx

// DevBypass holds attributes of the synthetic user attached in dev mode.
type DevBypass struct {
	Subject  string
	Email    string
	Username string
	Roles    []string
}

// User converts the bypass configuration into a normalized user.
func (d DevBypass) User(provider ProviderTag) *NormalizedUser {
	raw := map[string]any{"sub": d.Subject, "dev_bypass": true}
	user := &NormalizedUser{
		Subject:  d.Subject,
		Provider: provider,
		Raw:      raw,
	}
	if d.Email != "" {
		email := d.Email
		user.Email = &email
		raw["email"] = email
	}
	if d.Username != "" {
		username := d.Username
		user.Username = &username
	}
	if len(d.Roles) > 0 {
		user.Roles = append([]string(nil), d.Roles...)
	}
	return user
}

// DefaultDevBypass returns a baseline identity suitable for local development.
func DefaultDevBypass() DevBypass {
	return DevBypass{
		Subject:  "dev-bypass",
		Username: "dev",
	}
}
