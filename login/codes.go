package login

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/harvest/secrets"
)

// CodeRequest describes the code a challenge needs.
type CodeRequest struct {
	Platform  string
	Account   string
	Challenge Challenge
	// Image is the captcha screenshot for IMAGE_CAPTCHA.
	Image []byte
	// Since is when the challenge first appeared. Codes sent earlier are
	// stale.
	Since time.Time
	// Rejected lists codes the page already refused during this login.
	Rejected []string
}

// IsRejected reports whether code was already refused.
func (r CodeRequest) IsRejected(code string) bool {
	return slices.Contains(r.Rejected, code)
}

// CodeSource produces verification codes. Sources return ErrNoCode when
// they have nothing for a request.
type CodeSource interface {
	Name() string
	Code(ctx context.Context, req CodeRequest) (string, error)
}

// Static returns a source handing out configured codes in order, skipping
// rejected ones.
func Static(codes ...string) CodeSource { return staticSource(codes) }

type staticSource []string

func (staticSource) Name() string { return "config" }

func (s staticSource) Code(_ context.Context, req CodeRequest) (string, error) {
	for _, c := range s {
		if c = strings.TrimSpace(c); c != "" && !req.IsRejected(c) {
			return c, nil
		}
	}
	return "", ErrNoCode
}

// OTPEnvPrefix prefixes code environment variables.
const OTPEnvPrefix = "HARVEST_OTP"

// Env returns a source reading HARVEST_OTP_<PLATFORM>_<ACCOUNT>, a
// comma-separated list of codes. lookup defaults to os.LookupEnv.
func Env(lookup func(string) (string, bool)) CodeSource {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return envSource{lookup: lookup}
}

type envSource struct {
	lookup func(string) (string, bool)
}

func (envSource) Name() string { return "env" }

func (e envSource) Code(ctx context.Context, req CodeRequest) (string, error) {
	v, ok := e.lookup(secrets.EnvName(OTPEnvPrefix, req.Platform, req.Account))
	if !ok {
		return "", ErrNoCode
	}
	return staticSource(strings.Split(v, ",")).Code(ctx, req)
}

// Prompt returns a source asking an operator on out and reading one line
// from in. Captcha images are written to dir (default os.TempDir) and the
// path is shown. One job prompts at a time, and a single goroutine reads
// in, so a prompt abandoned on ctx leaves the next line to the next prompt.
func Prompt(in io.Reader, out io.Writer, dir string) CodeSource {
	if dir == "" {
		dir = os.TempDir()
	}
	return &promptSource{in: in, out: out, dir: dir, turn: make(chan struct{}, 1)}
}

type promptLine struct {
	s   string
	err error
}

type promptSource struct {
	in  io.Reader
	out io.Writer
	dir string

	// turn is held by the job currently prompting.
	turn chan struct{}

	once  sync.Once
	lines chan promptLine
}

func (*promptSource) Name() string { return "prompt" }

// read is the only reader of in. It stops at the first read error.
func (p *promptSource) read() {
	r := bufio.NewReader(p.in)
	for {
		s, err := r.ReadString('\n')
		p.lines <- promptLine{s, err}
		if err != nil {
			close(p.lines)
			return
		}
	}
}

func (p *promptSource) Code(ctx context.Context, req CodeRequest) (string, error) {
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-p.turn }()

	p.once.Do(func() {
		p.lines = make(chan promptLine)
		go p.read()
	})

	if len(req.Image) > 0 {
		f, err := os.CreateTemp(p.dir, "harvest-captcha-*.png")
		if err != nil {
			return "", fmt.Errorf("login: prompt: %w", err)
		}
		_, werr := f.Write(req.Image)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return "", fmt.Errorf("login: prompt: %w", werr)
		}
		fmt.Fprintf(p.out, "captcha image: %s\n", f.Name())
	}
	fmt.Fprintf(p.out, "%s code for %s/%s: ", req.Challenge, req.Platform, req.Account)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-p.lines:
		if !ok {
			return "", ErrNoCode
		}
		code := strings.TrimSpace(l.s)
		if code == "" {
			if l.err != nil && l.err != io.EOF {
				return "", fmt.Errorf("login: prompt: %w", l.err)
			}
			return "", ErrNoCode
		}
		return code, nil
	}
}
