package profile

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// Fingerprint is the device identity presented by an account's browser.
// It is derived from (platform, account) so an account always looks like
// the same machine.
type Fingerprint struct {
	UserAgent      string `json:"user_agent"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	Locale         string `json:"locale"`
	Timezone       string `json:"timezone"`
	AcceptLanguage string `json:"accept_language"`
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

var viewports = [][2]int{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
	{1440, 900},
	{1680, 1050},
	{1600, 900},
	{1280, 800},
	{1920, 1200},
}

type region struct {
	locale, timezone, acceptLanguage string
}

var regions = map[string]region{
	"CN": {"zh-CN", "Asia/Shanghai", "zh-CN,zh;q=0.9,en;q=0.8"},
	"SG": {"en-SG", "Asia/Singapore", "en-SG,en;q=0.9,zh-CN;q=0.8,zh;q=0.7"},
	"MY": {"ms-MY", "Asia/Kuala_Lumpur", "ms-MY,ms;q=0.9,en;q=0.8,zh-CN;q=0.7"},
	"TH": {"th-TH", "Asia/Bangkok", "th-TH,th;q=0.9,en;q=0.8"},
	"VN": {"vi-VN", "Asia/Ho_Chi_Minh", "vi-VN,vi;q=0.9,en;q=0.8"},
	"PH": {"en-PH", "Asia/Manila", "en-PH,en;q=0.9,fil;q=0.8"},
	"ID": {"id-ID", "Asia/Jakarta", "id-ID,id;q=0.9,en;q=0.8"},
	"TW": {"zh-TW", "Asia/Taipei", "zh-TW,zh;q=0.9,en;q=0.8"},
	"US": {"en-US", "America/New_York", "en-US,en;q=0.9"},
	"GB": {"en-GB", "Europe/London", "en-GB,en;q=0.9"},
	"BR": {"pt-BR", "America/Sao_Paulo", "pt-BR,pt;q=0.9,en;q=0.8"},
}

// DefaultRegion is used for unknown region codes.
const DefaultRegion = "CN"

// FingerprintFor returns the stable fingerprint of (platform, account) in
// the given region (ISO country code).
func FingerprintFor(platform, account, regionCode string) Fingerprint {
	sum := sha256.Sum256([]byte(strings.ToLower(platform) + "\x00" + strings.ToLower(account)))
	ua := binary.BigEndian.Uint32(sum[0:4])
	vp := binary.BigEndian.Uint32(sum[4:8])

	r, ok := regions[strings.ToUpper(regionCode)]
	if !ok {
		r = regions[DefaultRegion]
	}
	v := viewports[int(vp%uint32(len(viewports)))]
	return Fingerprint{
		UserAgent:      userAgents[int(ua%uint32(len(userAgents)))],
		ViewportWidth:  v[0],
		ViewportHeight: v[1],
		Locale:         r.locale,
		Timezone:       r.timezone,
		AcceptLanguage: r.acceptLanguage,
	}
}
