package oidcx

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// ProviderTag selects the claim mapping applied by Normalize.
type ProviderTag string

const (
	ProviderGeneric  ProviderTag = "generic"
	ProviderCognito  ProviderTag = "cognito"
	ProviderKeycloak ProviderTag = "keycloak"
)

// ParseProviderTag parses a provider name; the empty string means generic.
func ParseProviderTag(s string) (ProviderTag, error) {
	switch tag := ProviderTag(strings.ToLower(strings.TrimSpace(s))); tag {
	case "":
		return ProviderGeneric, nil
	case ProviderGeneric, ProviderCognito, ProviderKeycloak:
		return tag, nil
	default:
		return "", fmt.Errorf("unknown auth provider %q", s)
	}
}

// NormalizedUser is the provider-agnostic view of a verified token.
// Absent claims stay nil and are omitted from JSON.
type NormalizedUser struct {
	Subject       string         `json:"sub"`
	Email         *string        `json:"email,omitempty"`
	EmailVerified *bool          `json:"emailVerified,omitempty"`
	Name          *string        `json:"name,omitempty"`
	GivenName     *string        `json:"givenName,omitempty"`
	FamilyName    *string        `json:"familyName,omitempty"`
	Username      *string        `json:"username,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	Provider      ProviderTag    `json:"provider"`
	Raw           map[string]any `json:"raw"`
}

// Normalize maps verified claims to a NormalizedUser. It never fails for
// missing optional claims. A missing subject means verification was bypassed
// and panics with *InvariantError.
func Normalize(tag ProviderTag, claims *Claims) *NormalizedUser {
	if claims == nil {
		panic(&InvariantError{Reason: "normalize called without claims"})
	}
	sub := claims.Subject
	if sub == "" {
		sub, _ = claims.String("sub")
	}
	if sub == "" {
		panic(&InvariantError{Reason: `verified claims carry no "sub"`})
	}

	user := &NormalizedUser{
		Subject:    sub,
		Email:      optString(claims, "email"),
		Name:       optString(claims, "name"),
		GivenName:  optString(claims, "given_name"),
		FamilyName: optString(claims, "family_name"),
		Provider:   tag,
		Raw:        cloneMap(claims.Raw),
	}
	if user.Raw == nil {
		user.Raw = map[string]any{}
	}

	switch tag {
	case ProviderCognito:
		user.Username = optString(claims, "cognito:username", "username")
		user.Roles = nonEmpty(claims.Strings("cognito:groups"))
		user.EmailVerified = optBool(claims, "email_verified")
	case ProviderKeycloak:
		user.Username = optString(claims, "preferred_username", "username")
		user.Roles = keycloakRoles(claims)
		user.EmailVerified = optBool(claims, "email_verified")
	default:
		user.Username = optString(claims, "preferred_username", "username")
		user.Roles = nonEmpty(claims.Strings("roles"))
		user.EmailVerified = optBool(claims, "email_verified", "emailVerified")
	}
	return user
}

// keycloakRoles returns realm roles followed by every client's roles in
// document order. Duplicates are kept.
func keycloakRoles(claims *Claims) []string {
	var roles []string
	if realm := toMap(claims.Raw["realm_access"]); realm != nil {
		if list, ok := stringSlice(realm["roles"]); ok {
			roles = append(roles, list...)
		}
	}

	resources := toMap(claims.Raw["resource_access"])
	if resources == nil {
		return nonEmpty(roles, true)
	}
	for _, client := range resourceOrder(claims.Payload, resources) {
		if list, ok := stringSlice(toMap(resources[client])["roles"]); ok {
			roles = append(roles, list...)
		}
	}
	return nonEmpty(roles, true)
}

// resourceOrder lists the resource_access clients in the order they appear in
// the payload, falling back to lexical order when no payload is available.
func resourceOrder(payload []byte, resources map[string]any) []string {
	keys := make([]string, 0, len(resources))
	if len(payload) > 0 {
		err := jsonparser.ObjectEach(payload, func(key []byte, _ []byte, _ jsonparser.ValueType, _ int) error {
			name, err := jsonparser.ParseString(key)
			if err != nil {
				return err
			}
			if _, ok := resources[name]; ok {
				keys = append(keys, name)
			}
			return nil
		}, "resource_access")
		if err == nil && len(keys) == len(resources) {
			return keys
		}
		keys = keys[:0]
	}
	for name := range resources {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

func optString(claims *Claims, names ...string) *string {
	for _, name := range names {
		if s, ok := claims.String(name); ok {
			return &s
		}
	}
	return nil
}

func optBool(claims *Claims, names ...string) *bool {
	for _, name := range names {
		switch v := claims.Raw[name].(type) {
		case bool:
			return &v
		case string:
			// Cognito has been seen sending "true"/"false".
			if b, err := strconv.ParseBool(v); err == nil {
				return &b
			}
		}
	}
	return nil
}

func nonEmpty(values []string, ok bool) []string {
	if !ok || len(values) == 0 {
		return nil
	}
	return values
}
