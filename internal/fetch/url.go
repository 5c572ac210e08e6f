package fetch

import (
	"net/url"
	"strings"
	"time"
)

// Placeholders understood in image URL templates.
const (
	PlaceholderDate   = "%DATE%"
	PlaceholderDevice = "%DEVICE_ID%"
)

// ExpandURL fills the template placeholders. %DATE% becomes the date of
// now in its own location (YYYY-MM-DD); %DEVICE_ID% becomes deviceID, or
// "unknown" when empty. A non-empty deviceID is also appended as a
// device_id query parameter unless the URL already carries one.
func ExpandURL(tpl string, now time.Time, deviceID string) string {
	out := strings.ReplaceAll(tpl, PlaceholderDate, now.Format("2006-01-02"))

	safe := deviceID
	if safe == "" {
		safe = "unknown"
	}
	out = strings.ReplaceAll(out, PlaceholderDevice, safe)

	if deviceID == "" || strings.Contains(out, "device_id=") {
		return out
	}
	u, err := url.Parse(out)
	if err != nil {
		return out
	}
	q := u.RawQuery
	if q != "" {
		q += "&"
	}
	u.RawQuery = q + "device_id=" + url.QueryEscape(deviceID)
	return u.String()
}

// redactURL hides everything after the host for logging purposes.
//
//	https://example.com/path/to/private.bmp?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "url://...(redacted)"
	}
	i += 3
	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' && u[j] != '#' {
		j++
	}
	return u[:j] + redactedSuffix
}
