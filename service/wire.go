package service

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// The account service prefixes JSON bodies with an optional token and a
// fixed marker. Anything else is treated as malformed.
var wrapperRe = regexp.MustCompile(`^\w*&&&START&&&`)

var errUnwrapped = errors.New("response body lacks &&&START&&& marker")

// unwrapJSON strips the response wrapper and decodes the remainder into v
func unwrapJSON(body []byte, v any) error {
	loc := wrapperRe.FindIndex(body)
	if loc == nil {
		return errUnwrapped
	}
	return json.Unmarshal(bytes.TrimSpace(body[loc[1]:]), v)
}

// hashPassword returns the uppercase hex MD5 digest the account service expects
func hashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// encodeForm url-encodes values and restores literal slashes, which the
// account service rejects in encoded form
func encodeForm(values url.Values) string {
	return strings.ReplaceAll(values.Encode(), "%2F", "/")
}

// text accepts a JSON string or number. The account service is not
// consistent about how it encodes numeric ids.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = text(n.String())
	return nil
}

type signResponse struct {
	Sign text `json:"_sign"`
}

type credentialsResponse struct {
	SSecurity       text `json:"ssecurity"`
	UserID          text `json:"userId"`
	CUserID         text `json:"cUserId"`
	PassToken       text `json:"passToken"`
	Location        text `json:"location"`
	NotificationURL text `json:"notificationUrl"`
}

// authenticated reports whether every field of a successful credentials step is present
func (r credentialsResponse) authenticated() bool {
	return r.SSecurity != "" && r.UserID != "" && r.CUserID != "" && r.PassToken != "" && r.Location != ""
}
