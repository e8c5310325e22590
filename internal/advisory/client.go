package advisory

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/control"
)

//go:embed schema.json
var responseSchemaJSON string

const systemPrompt = `You are a hydroponic system controller with expertise in plant biology, nutrient management, and environmental control.

Analyze the provided KPI summary, rule evaluations, recent commands, and your own recent decisions, then respond with JSON:
{"actions": [{"channel": "...", "magnitude": 0.0, "confidence": 0.0, "reason": "..."}], "reasoning": "...", "abstain": false}

Principles: safety first, stable-unless-better, gradual adjustments, data-driven. Propose at most one action per channel, or an empty actions list with "abstain": true if no intervention is warranted. Magnitudes are ml for pumps and percent deltas for fan/led; the sign is the direction.`

// Client is the HTTP advisory adapter speaking the chat-completions
// protocol. One instance serves all zones; it keeps no per-cycle state.
type Client struct {
	params config.AdvisoryParams
	limits map[control.ActuatorChannel]config.ChannelLimit
	http   *http.Client
	schema *jsonschema.Schema
	log    *slog.Logger
}

// NewClient builds the advisory client. The response schema is compiled
// once at construction; a schema that fails to compile is a programming
// error, not a runtime abstention.
func NewClient(params config.AdvisoryParams, limits map[control.ActuatorChannel]config.ChannelLimit, log *slog.Logger) (*Client, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("advisory-response.json", strings.NewReader(responseSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add advisory schema: %w", err)
	}
	schema, err := compiler.Compile("advisory-response.json")
	if err != nil {
		return nil, fmt.Errorf("compile advisory schema: %w", err)
	}

	return &Client{
		params: params,
		limits: limits,
		http:   &http.Client{Timeout: params.Timeout.Std()},
		schema: schema,
		log:    log.With(slog.String("component", "advisory")),
	}, nil
}

// chat-completions wire types, trimmed to what the adapter reads.
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// advisoryResponse is the schema-validated payload inside the completion.
type advisoryResponse struct {
	Abstain    bool    `json:"abstain"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	Actions    []struct {
		Channel    string  `json:"channel"`
		Magnitude  float64 `json:"magnitude"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	} `json:"actions"`
}

// Propose implements Advisor. The call is bounded by the configured
// timeout; expiry, transport failure, and schema violations are all
// abstentions.
func (c *Client) Propose(ctx context.Context, in Context) Result {
	if !c.params.Enabled {
		return Result{Abstained: true, Reason: AbstainDisabled}
	}

	ctx, cancel := context.WithTimeout(ctx, c.params.Timeout.Std())
	defer cancel()

	raw, err := c.call(ctx, in)
	if err != nil {
		reason := AbstainTransport
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = AbstainTimeout
		}
		c.log.Warn("advisory call failed, abstaining",
			slog.String("zone", in.KPIs.ZoneID),
			slog.String("reason", reason),
			slog.Any("err", err),
		)
		return Result{Abstained: true, Reason: reason}
	}

	return c.parse(in.KPIs.ZoneID, raw)
}

// call performs the HTTP round trip and returns the completion content.
func (c *Client) call(ctx context.Context, in Context) ([]byte, error) {
	userPayload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal advisory context: %w", err)
	}

	req := chatRequest{
		Model: c.params.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userPayload)},
		},
	}
	req.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal advisory request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.params.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build advisory request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := os.Getenv(c.params.APIKeyEnv); key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("advisory request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisory request: status %d", resp.StatusCode)
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("decode advisory response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("advisory response: no choices")
	}

	c.log.Debug("advisory call completed",
		slog.Duration("elapsed", time.Since(start)),
		slog.String("model", c.params.Model),
	)
	return []byte(completion.Choices[0].Message.Content), nil
}

// parse validates the completion content against the response schema and
// the channel vocabulary, dropping out-of-range channels individually.
func (c *Client) parse(zoneID string, raw []byte) Result {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		c.log.Warn("advisory response not JSON, abstaining", slog.String("zone", zoneID), slog.Any("err", err))
		return Result{Abstained: true, Reason: AbstainSchema}
	}
	if err := c.schema.Validate(doc); err != nil {
		c.log.Warn("advisory response failed schema validation, abstaining", slog.String("zone", zoneID), slog.Any("err", err))
		return Result{Abstained: true, Reason: AbstainSchema}
	}

	var parsed advisoryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Abstained: true, Reason: AbstainSchema}
	}

	if parsed.Abstain || len(parsed.Actions) == 0 {
		return Result{Abstained: true, Reason: AbstainExplicit, Reasoning: parsed.Reasoning}
	}

	result := Result{Reasoning: parsed.Reasoning}
	seen := make(map[control.ActuatorChannel]bool, len(parsed.Actions))
	for _, action := range parsed.Actions {
		ch := control.ActuatorChannel(action.Channel)
		if !c.admissible(ch, action.Magnitude) || seen[ch] {
			result.DroppedChannels = append(result.DroppedChannels, ch)
			continue
		}
		seen[ch] = true
		result.Proposals = append(result.Proposals, control.ProposedAction{
			Channel:    ch,
			Magnitude:  action.Magnitude,
			Source:     control.SourceAdvisory,
			Severity:   control.SeverityMedium,
			Confidence: action.Confidence,
			Reason:     action.Reason,
		})
	}

	if len(result.Proposals) == 0 {
		result.Abstained = true
		result.Reason = AbstainSchema
	}
	return result
}

// admissible enforces the channel vocabulary and numeric ranges the
// adapter is allowed to speak in. Anything outside is a per-channel
// abstention.
func (c *Client) admissible(ch control.ActuatorChannel, magnitude float64) bool {
	if !control.KnownChannel(ch) {
		return false
	}
	for _, forbidden := range c.params.ForbiddenChannels {
		if ch == forbidden {
			return false
		}
	}
	limit, ok := c.limits[ch]
	if !ok {
		return false
	}
	if limit.MaxPerAction > 0 && math.Abs(magnitude) > limit.MaxPerAction {
		return false
	}
	return true
}
