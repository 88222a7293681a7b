package otpmail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// codePatterns are tried in order on the lowercased text; the first
// capture of the first matching pattern is the code.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:验证码|verification code|code)[^\d]*(\d{6})`),
	regexp.MustCompile(`(\d{6})\s*(?:是您的|is your)?\s*(?:验证码|verification code)`),
	regexp.MustCompile(`(?:验证码|verification code|code)[^\d]*(\d{4})`),
	regexp.MustCompile(`(\d{4})\s*(?:是您的|is your)?\s*(?:验证码|verification code)`),
	regexp.MustCompile(`(?:验证码|verification code|code)[^\d]*(\d{4,8})`),
	regexp.MustCompile(`(\d{4,8})\s*(?:是您的|is your)?\s*(?:验证码|verification code)`),
	regexp.MustCompile(`\b(\d{6})\b`),
	regexp.MustCompile(`\b(\d{4})\b`),
}

// Extract returns the verification code in text, or "".
func Extract(text string) string {
	lower := strings.ToLower(text)
	for _, re := range codePatterns {
		if m := re.FindStringSubmatch(lower); m != nil {
			return m[1]
		}
	}
	return ""
}

// Text returns the subject and the text of every text part of a raw
// RFC 822 message. HTML parts are reduced to their visible text.
func Text(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("otpmail: parse: %w", err)
	}
	defer mr.Close()

	var b strings.Builder
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		b.WriteString(subject)
		b.WriteByte('\n')
	}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			if b.Len() > 0 {
				break
			}
			return "", fmt.Errorf("otpmail: part: %w", err)
		}
		if p == nil {
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		data, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch {
		case ct == "text/html":
			b.WriteString(htmlText(data))
		case ct == "" || strings.HasPrefix(ct, "text/"):
			b.Write(data)
		default:
			continue
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func htmlText(data []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return string(data)
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, td, th, tr, li, span, a, h1, h2, h3, h4").AppendHtml(" ")
	return doc.Text()
}
