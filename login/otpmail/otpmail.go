// Package otpmail reads EMAIL_OTP verification codes from an IMAP inbox.
//
// It searches UNSEEN messages received since the start of the day, newest
// first, ignores messages older than MaxAge or sent before the challenge
// appeared, and extracts the first code found by Extract. Messages are
// fetched with BODY.PEEK[] and are not marked as read.
package otpmail

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/hazyhaar/harvest/login"
)

// Message is one fetched email.
type Message struct {
	UID  uint32
	Date time.Time
	Raw  []byte
}

// Mailbox lists unseen messages received on or after since, newest first.
type Mailbox interface {
	Unseen(ctx context.Context, since time.Time, limit int) ([]Message, error)
}

// Options configures a Source.
type Options struct {
	// Addr is host:port of the IMAPS server.
	Addr     string
	Username string
	Password string
	// Mailbox defaults to INBOX.
	Mailbox string
	// MaxAge drops older messages. Default: 300s.
	MaxAge time.Duration
	// Wait bounds how long Code polls for a new message. Default: 90s.
	Wait time.Duration
	// PollInterval paces inbox polls. Default: 5s.
	PollInterval time.Duration
	// Limit caps messages inspected per poll. Default: 20.
	Limit     int
	TLSConfig *tls.Config
	Now       func() time.Time
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Mailbox == "" {
		o.Mailbox = "INBOX"
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 300 * time.Second
	}
	if o.Wait <= 0 {
		o.Wait = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.TLSConfig == nil {
		o.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Source is a login.CodeSource backed by a mailbox.
type Source struct {
	box  Mailbox
	opts Options
}

var _ login.CodeSource = (*Source)(nil)

// New returns a Source reading the IMAP account in opts.
func New(opts Options) *Source {
	opts.defaults()
	return &Source{box: &imapMailbox{opts: opts}, opts: opts}
}

// NewWithMailbox returns a Source reading box.
func NewWithMailbox(box Mailbox, opts Options) *Source {
	opts.defaults()
	return &Source{box: box, opts: opts}
}

func (*Source) Name() string { return "email" }

// Code polls the mailbox until a fresh, unrejected code arrives or Wait
// elapses. Challenges other than EMAIL_OTP get login.ErrNoCode.
func (s *Source) Code(ctx context.Context, req login.CodeRequest) (string, error) {
	if req.Challenge != login.EmailOTP {
		return "", login.ErrNoCode
	}
	deadline := time.Now().Add(s.opts.Wait)
	for {
		code, err := s.poll(ctx, req)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, login.ErrNoCode) {
			s.opts.Logger.Warn("otpmail: poll", "account", req.Account, "error", err)
		}
		if !time.Now().Before(deadline) {
			return "", login.ErrNoCode
		}
		t := time.NewTimer(s.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Source) poll(ctx context.Context, req login.CodeRequest) (string, error) {
	now := s.opts.Now()
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	msgs, err := s.box.Unseen(ctx, day, s.opts.Limit)
	if err != nil {
		return "", err
	}
	for _, msg := range msgs {
		if !msg.Date.IsZero() {
			if now.Sub(msg.Date) > s.opts.MaxAge {
				continue
			}
			if !req.Since.IsZero() && msg.Date.Before(req.Since.Add(-time.Minute)) {
				continue
			}
		}
		text, err := Text(msg.Raw)
		if err != nil {
			s.opts.Logger.Debug("otpmail: unreadable message", "uid", msg.UID, "error", err)
			continue
		}
		code := Extract(text)
		if code == "" || req.IsRejected(code) {
			continue
		}
		s.opts.Logger.Info("otpmail: code found", "account", req.Account, "uid", msg.UID)
		return code, nil
	}
	return "", login.ErrNoCode
}

// imapMailbox opens one IMAP session per call.
type imapMailbox struct {
	opts Options
}

func (b *imapMailbox) Unseen(ctx context.Context, since time.Time, limit int) ([]Message, error) {
	if b.opts.Addr == "" || b.opts.Username == "" || b.opts.Password == "" {
		return nil, errors.New("otpmail: addr, username and password are required")
	}
	c, err := imapclient.DialTLS(b.opts.Addr, &imapclient.Options{TLSConfig: b.opts.TLSConfig})
	if err != nil {
		return nil, fmt.Errorf("otpmail: dial: %w", err)
	}
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Login(b.opts.Username, b.opts.Password).Wait(); err != nil {
		return nil, fmt.Errorf("otpmail: login: %w", err)
	}
	defer func() { _ = c.Logout().Wait() }()

	if _, err := c.Select(b.opts.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("otpmail: select %s: %w", b.opts.Mailbox, err)
	}
	found, err := c.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Since:   since,
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("otpmail: search: %w", err)
	}
	uids := found.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	for i, j := 0, len(uids)-1; i < j; i, j = i+1, j-1 {
		uids[i], uids[j] = uids[j], uids[i]
	}
	if len(uids) > limit {
		uids = uids[:limit]
	}

	body := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierNone, Peek: true}
	fetch := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{body},
	})
	defer fetch.Close()

	out := make([]Message, 0, len(uids))
	for {
		data := fetch.Next()
		if data == nil {
			break
		}
		buf, err := data.Collect()
		if err != nil {
			return nil, fmt.Errorf("otpmail: fetch: %w", err)
		}
		msg := Message{UID: uint32(buf.UID), Date: buf.InternalDate, Raw: buf.FindBodySection(body)}
		if buf.Envelope != nil && !buf.Envelope.Date.IsZero() {
			msg.Date = buf.Envelope.Date
		}
		out = append(out, msg)
	}
	if err := fetch.Close(); err != nil {
		return nil, fmt.Errorf("otpmail: fetch: %w", err)
	}
	// Servers answer FETCH in their own order.
	slices.SortFunc(out, func(a, b Message) int { return cmp.Compare(b.UID, a.UID) })
	return out, nil
}
