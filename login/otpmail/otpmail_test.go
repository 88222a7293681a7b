package otpmail

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/harvest/login"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name, text, want string
	}{
		{"chinese keyword", "您的验证码：482913，5分钟内有效。", "482913"},
		{"english keyword", "Your verification code is 551204.", "551204"},
		{"code after number", "730041 is your verification code", "730041"},
		{"four digits", "Shopee code: 7781", "7781"},
		{"eight digits", "Login code 12345678 expires soon", "123456"},
		{"standalone six", "Use 904417 to sign in", "904417"},
		{"standalone four", "PIN 3321 only", "3321"},
		{"none", "Welcome to the seller centre", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Extract(tt.text); got != tt.want {
				t.Errorf("Extract(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

const htmlMail = "From: Shopee <noreply@shopee.cn>\r\n" +
	"To: ops@example.com\r\n" +
	"Subject: Shopee Seller Centre login\r\n" +
	"Date: Sat, 14 Mar 2026 09:25:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><head><style>.x{color:#123456}</style></head><body>" +
	"<p>Hello,</p><table><tr><td>验证码</td><td><b>615243</b></td></tr></table></body></html>\r\n" +
	"--b1--\r\n"

func TestTextReadsHTMLParts(t *testing.T) {
	text, err := Text([]byte(htmlMail))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(text, "color") {
		t.Fatalf("style leaked into text: %q", text)
	}
	if got := Extract(text); got != "615243" {
		t.Fatalf("Extract = %q from %q", got, text)
	}
}

func TestTextPlainMessage(t *testing.T) {
	raw := "Subject: code\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nYour verification code is 220419\r\n"
	text, err := Text([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := Extract(text); got != "220419" {
		t.Fatalf("Extract = %q from %q", got, text)
	}
}

type fakeBox struct {
	msgs  []Message
	calls int
	since time.Time
}

func (f *fakeBox) Unseen(_ context.Context, since time.Time, _ int) ([]Message, error) {
	f.calls++
	f.since = since
	return f.msgs, nil
}

func plain(code string) []byte {
	return []byte("Subject: login\r\nContent-Type: text/plain\r\n\r\nverification code " + code + "\r\n")
}

func TestSourceFiltersStaleAndRejected(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	box := &fakeBox{msgs: []Message{
		{UID: 9, Date: now.Add(-30 * time.Second), Raw: plain("111111")},
		{UID: 8, Date: now.Add(-90 * time.Second), Raw: plain("222222")},
		{UID: 7, Date: now.Add(-10 * time.Minute), Raw: plain("333333")},
	}}
	src := NewWithMailbox(box, Options{
		Now:          func() time.Time { return now },
		Wait:         time.Millisecond,
		PollInterval: time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	req := login.CodeRequest{Challenge: login.EmailOTP, Account: "acct1", Since: now.Add(-2 * time.Minute), Rejected: []string{"111111"}}
	code, err := src.Code(context.Background(), req)
	if err != nil || code != "222222" {
		t.Fatalf("got %q %v", code, err)
	}
	if want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC); !box.since.Equal(want) {
		t.Fatalf("search since %v, want start of day", box.since)
	}

	req.Rejected = append(req.Rejected, "222222")
	if _, err := src.Code(context.Background(), req); !errors.Is(err, login.ErrNoCode) {
		t.Fatalf("message older than max age used: %v", err)
	}
}

func TestSourceIgnoresOtherChallenges(t *testing.T) {
	box := &fakeBox{}
	src := NewWithMailbox(box, Options{})
	if _, err := src.Code(context.Background(), login.CodeRequest{Challenge: login.SMSCode}); !errors.Is(err, login.ErrNoCode) {
		t.Fatalf("err = %v", err)
	}
	if box.calls != 0 {
		t.Fatal("mailbox polled for an SMS challenge")
	}
}
