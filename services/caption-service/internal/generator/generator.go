// Package generator turns a caption brief into caption variations with an LLM.
package generator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

var ErrEmptyResponse = errors.New("generator returned no captions")

// Request is already gated: Variations fits the plan and Hashtags/BrandVoice are only set
// when the account may use them.
type Request struct {
	Topic      string
	Platform   string
	Tone       string
	Variations int
	Hashtags   bool
	BrandVoice string
	Voice      *Voice
}

type Voice struct {
	Name        string
	Description string
}

type Result struct {
	Captions []string
	Hashtags []string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// LLM generates captions through any langchaingo model.
type LLM struct {
	model llms.Model
	cfg   Config
}

// NewOpenAI builds an LLM backed by an OpenAI compatible endpoint.
func NewOpenAI(cfg Config) (*LLM, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	return NewLLM(m, cfg), nil
}

func NewLLM(model llms.Model, cfg Config) *LLM {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 800
	}
	return &LLM{model: model, cfg: cfg}
}

func (g *LLM) Generate(ctx context.Context, req Request) (Result, error) {
	if req.Variations < 1 {
		req.Variations = 1
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, g.model, Prompt(req),
		llms.WithTemperature(g.cfg.Temperature),
		llms.WithMaxTokens(g.cfg.MaxTokens),
	)
	if err != nil {
		return Result{}, err
	}
	res := Parse(out, req.Variations)
	if len(res.Captions) == 0 {
		return Result{}, ErrEmptyResponse
	}
	if !req.Hashtags {
		res.Hashtags = nil
	}
	return res, nil
}

// Prompt renders the brief. Captions come back one per numbered line and hashtags on a
// single "Hashtags:" line.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write %d distinct social media caption(s) about: %s\n", req.Variations, req.Topic)
	if req.Platform != "" {
		fmt.Fprintf(&b, "Platform: %s\n", req.Platform)
	}
	if req.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	}
	if req.Voice != nil {
		fmt.Fprintf(&b, "Write in the voice %q: %s\n", req.Voice.Name, req.Voice.Description)
	}
	if req.BrandVoice != "" {
		fmt.Fprintf(&b, "Brand guidelines: %s\n", req.BrandVoice)
	}
	b.WriteString("Return each caption on its own line prefixed with its number, like \"1. ...\".\n")
	if req.Hashtags {
		b.WriteString("After the captions add one line starting with \"Hashtags:\" listing up to 8 relevant hashtags.\n")
	}
	return b.String()
}

var numbered = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+)$`)

// Parse extracts at most limit captions and any hashtags from model output.
func Parse(out string, limit int) Result {
	var res Result
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := cutPrefixFold(line, "hashtags:"); ok {
			res.Hashtags = append(res.Hashtags, hashtags(rest)...)
			continue
		}
		if m := numbered.FindStringSubmatch(line); m != nil {
			if len(res.Captions) < limit {
				res.Captions = append(res.Captions, strings.Trim(m[2], `"`))
			}
		}
	}
	return res
}

func hashtags(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' }) {
		f = strings.TrimSpace(f)
		if !strings.HasPrefix(f, "#") || len(f) < 2 {
			continue
		}
		key := strings.ToLower(f)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
