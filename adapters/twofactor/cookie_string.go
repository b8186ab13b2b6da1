package twofactor

import (
	"strings"

	"github.com/layer-3/miauth/core"
)

// ParseCookieString extracts serviceToken, userId and cUserId from a
// semicolon-delimited cookie string such as document.cookie
func ParseCookieString(raw string) (core.TwoFactorResult, error) {
	var result core.TwoFactorResult
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || value == "" {
			continue
		}
		switch strings.TrimSpace(name) {
		case "serviceToken":
			result.ServiceToken = value
		case "userId":
			result.UserID = value
		case "cUserId":
			result.CUserID = value
		}
	}

	if err := result.Validate(); err != nil {
		return core.TwoFactorResult{}, err
	}
	return result, nil
}
