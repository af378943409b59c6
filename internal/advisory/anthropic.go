package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-loop/internal/resilience"
)

// #region anthropic

// AnthropicConfig configures the hosted-model advisor.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	BaseURL   string // empty uses the SDK default
}

// DefaultAnthropicConfig returns a small, fast model.
func DefaultAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 1024,
	}
}

// Anthropic asks a hosted model for findings and rewrites.
type Anthropic struct {
	client sdk.Client
	cfg    AnthropicConfig
	logger *zap.Logger
}

// NewAnthropic creates the advisor. Retries are left to Guarded.
func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) *Anthropic {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultAnthropicConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client: sdk.NewClient(opts...),
		cfg:    cfg,
		logger: logger.Named("anthropic"),
	}
}

const systemPrompt = `You review a single function that is being optimized from production usage data.
Reply with one JSON object and nothing else:
{"findings":[{"kind":"hot-path|redundant-computation|error-prone-input-shape","strength":0.0,"note":""}],
 "body":"full replacement body, or empty","rationale":"one sentence"}
Only propose a body when purpose is "rewrite". The body must keep the function's observable behaviour.`

// Suggest sends one message and parses the JSON reply.
func (a *Anthropic) Suggest(ctx context.Context, req Request) (Suggestion, error) {
	msg, err := a.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(a.cfg.Model),
		MaxTokens: a.cfg.MaxTokens,
		System:    []sdk.TextBlockParam{{Text: systemPrompt}},
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(userPrompt(req)))},
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == 429 || apiErr.StatusCode >= 500) {
			return Suggestion{}, resilience.Transient(eris.Wrap(err, "anthropic: create message"))
		}
		return Suggestion{}, eris.Wrap(err, "anthropic: create message")
	}

	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	s, err := parseSuggestion(text.String())
	if err != nil {
		a.logger.Debug("unparseable reply", zap.String("target", req.Target), zap.Error(err))
		return Suggestion{}, err
	}
	s.Source = "anthropic:" + a.cfg.Model
	if req.Purpose != PurposeRewrite {
		s.Body = ""
	}
	return s, nil
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "purpose: %s\ntarget: %s\n", req.Purpose, req.Target)
	if len(req.Signals) > 0 {
		fmt.Fprintf(&b, "signals: %s\n", strings.Join(req.Signals, ", "))
	}
	if req.Summary != "" {
		fmt.Fprintf(&b, "usage: %s\n", req.Summary)
	}
	fmt.Fprintf(&b, "body:\n%s\n", req.Body)
	return b.String()
}

type wireSuggestion struct {
	Findings []struct {
		Kind     string  `json:"kind"`
		Strength float64 `json:"strength"`
		Note     string  `json:"note"`
	} `json:"findings"`
	Body      string `json:"body"`
	Rationale string `json:"rationale"`
}

// parseSuggestion extracts the outermost JSON object from a model reply.
func parseSuggestion(text string) (Suggestion, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Suggestion{}, eris.New("anthropic: reply has no JSON object")
	}
	var w wireSuggestion
	if err := json.Unmarshal([]byte(text[start:end+1]), &w); err != nil {
		return Suggestion{}, eris.Wrap(err, "anthropic: decode reply")
	}
	s := Suggestion{Body: strings.TrimSpace(w.Body), Rationale: w.Rationale}
	for _, f := range w.Findings {
		if f.Kind == "" {
			continue
		}
		s.Findings = append(s.Findings, Finding{Kind: f.Kind, Strength: f.Strength, Note: f.Note})
	}
	return s, nil
}

// #endregion anthropic
