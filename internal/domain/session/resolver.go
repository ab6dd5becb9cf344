package session

// ResolveRole inspects a raw auth response and returns the first role found,
// checking in order: top-level role, profile.role, user.user_metadata.role,
// user.role. Failing those, a profile carrying speciality, clinic_name or a
// non-null experience is taken to be a doctor. Otherwise the role is
// unknown.
func ResolveRole(raw map[string]any) Role {
	if raw == nil {
		return RoleUnknown
	}
	if s, ok := raw["role"].(string); ok {
		return Role(s)
	}

	profile, _ := raw["profile"].(map[string]any)
	if s, ok := profile["role"].(string); ok {
		return Role(s)
	}

	user, _ := raw["user"].(map[string]any)
	if meta, ok := user["user_metadata"].(map[string]any); ok {
		if s, ok := meta["role"].(string); ok {
			return Role(s)
		}
	}
	if s, ok := user["role"].(string); ok {
		return Role(s)
	}

	if profile != nil {
		if truthy(profile["speciality"]) || truthy(profile["clinic_name"]) {
			return RoleDoctor
		}
		if exp, ok := profile["experience"]; ok && exp != nil {
			return RoleDoctor
		}
	}
	return RoleUnknown
}

// RedirectPath maps a role to its landing page. Anything but a doctor
// lands on the patient dashboard.
func RedirectPath(r Role) string {
	if r == RoleDoctor {
		return "/doctor/dashboard"
	}
	return "/patient/dashboard"
}

// truthy reports whether a decoded JSON value is non-empty: a non-blank
// string, a non-zero number, true, or any object or array.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case float64:
		return t != 0
	case bool:
		return t
	default:
		return true
	}
}
