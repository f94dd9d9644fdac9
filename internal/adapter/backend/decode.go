package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/smallbiznis/valora-bridge/internal/domain"
)

func decodeUser(input any) domain.UserIdentity {
	raw, _ := input.(map[string]any)
	if raw == nil {
		return domain.UserIdentity{}
	}
	user := domain.UserIdentity{
		UserID:    stringValue(coalesce(raw["user_id"], raw["id"])),
		Username:  stringValue(coalesce(raw["username"], raw["preferred_username"])),
		Email:     stringValue(raw["email"]),
		ProfileID: stringValue(coalesce(raw["profile_id"], raw["profileId"])),
		Subject:   stringValue(coalesce(raw["sub"], raw["subject"])),
		Roles:     stringSlice(raw["roles"]),
	}
	if v, ok := raw["email_verified"].(bool); ok {
		user.EmailVerified = &v
	}
	if v, ok := raw["has_name"].(bool); ok {
		user.HasName = &v
	}
	if orgs, ok := raw["organizations"].([]any); ok {
		for _, item := range orgs {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ref := domain.OrganizationRef{
				ID:   stringValue(coalesce(m["id"], m["organization_id"])),
				Name: stringValue(m["name"]),
				Role: stringValue(m["role"]),
			}
			if ref.ID != "" {
				user.Organizations = append(user.Organizations, ref)
			}
		}
	}
	return user
}

func stringSlice(input any) []string {
	items, ok := input.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := stringValue(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func coalesce(values ...any) any {
	for _, v := range values {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				return v
			}
		case nil:
			continue
		default:
			return v
		}
	}
	return nil
}
