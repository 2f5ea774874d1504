// Package assistant drives the AI provider's thread + run lifecycle for one
// conversation turn: append the merged user body, create a run, poll it to
// a terminal state and extract the structured reply.
package assistant

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kaptinlin/jsonrepair"          // v0.2.0
	"github.com/pkg/errors"                    // v0.9.1
	openai "github.com/sashabaranov/go-openai" // v1.20.4
	"go.uber.org/zap"                          // v1.26.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/config"
	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// Sentinel errors for the run lifecycle failure classes
var (
	// ErrTurnFailed covers failed, expired and cancelled runs
	ErrTurnFailed = errors.New("assistant turn failed")

	// ErrTimeout indicates the polling wall-clock budget was exhausted
	ErrTimeout = errors.New("assistant turn timed out")

	// ErrResponseMalformed indicates the assistant reply was not the
	// expected JSON shape
	ErrResponseMalformed = errors.New("assistant response malformed")
)

// Polling growth factor; intervals grow geometrically between retrievals
const pollGrowthFactor = 1.5

// The provider's cancelled terminal status
const runStatusCancelled = openai.RunStatus("cancelled")

// replyPayload is the structured content assistants are instructed to emit
type replyPayload struct {
	Content string `json:"content"`
}

// TurnResult is the outcome of a completed assistant turn
type TurnResult struct {
	Reply string
	RunID string
	Usage models.TokenUsage
}

// Driver runs assistant turns. Clients are built per call because each
// conversation may carry a different tenant credential.
type Driver struct {
	cfg    config.AssistantConfig
	logger *zap.Logger
}

// NewDriver creates an assistant driver
func NewDriver(cfg config.AssistantConfig, logger *zap.Logger) *Driver {
	return &Driver{cfg: cfg, logger: logger}
}

// RunTurn appends the merged user body to the existing thread, runs the
// configured assistant against it and returns the extracted reply together
// with the run's token usage.
func (d *Driver) RunTurn(ctx context.Context, apiKey, threadID, assistantID, userBody string) (*TurnResult, error) {
	client := d.newClient(apiKey)

	_, err := client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    models.RoleUser,
		Content: userBody,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to append user message to thread")
	}

	run, err := client.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID: assistantID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create run")
	}

	run, err = d.pollRun(ctx, client, threadID, run.ID)
	if err != nil {
		return nil, err
	}

	reply, err := d.extractReply(ctx, client, threadID)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		Reply: reply,
		RunID: run.ID,
		Usage: models.TokenUsage{
			PromptTokens:     run.Usage.PromptTokens,
			CompletionTokens: run.Usage.CompletionTokens,
			TotalTokens:      run.Usage.TotalTokens,
		},
	}, nil
}

// pollRun polls the run at geometric intervals until it reaches a terminal
// state or the wall-clock budget runs out. On budget exhaustion the run is
// cancelled best-effort before ErrTimeout is returned.
func (d *Driver) pollRun(ctx context.Context, client *openai.Client, threadID, runID string) (openai.Run, error) {
	deadline := time.Now().Add(d.cfg.PollBudget)
	interval := d.cfg.PollInitial

	for {
		if time.Now().After(deadline) {
			d.cancelRun(client, threadID, runID)
			return openai.Run{}, errors.Wrapf(ErrTimeout, "run %s exceeded %s budget", runID, d.cfg.PollBudget)
		}

		select {
		case <-ctx.Done():
			d.cancelRun(client, threadID, runID)
			return openai.Run{}, errors.Wrap(ErrTimeout, ctx.Err().Error())
		case <-time.After(interval):
		}

		run, err := client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return openai.Run{}, errors.Wrap(err, "failed to retrieve run")
		}

		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusFailed, openai.RunStatusExpired, runStatusCancelled:
			return openai.Run{}, errors.Wrapf(ErrTurnFailed, "run %s terminal status %s", runID, run.Status)
		}

		interval = time.Duration(float64(interval) * pollGrowthFactor)
		if interval > d.cfg.PollCap {
			interval = d.cfg.PollCap
		}
	}
}

// extractReply lists thread messages newest first and returns the reply
// text from the most recent assistant message carrying extractable JSON.
func (d *Driver) extractReply(ctx context.Context, client *openai.Client, threadID string) (string, error) {
	limit := 20
	order := "desc"
	list, err := client.ListMessage(ctx, threadID, &limit, &order, nil, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to list thread messages")
	}

	for _, msg := range list.Messages {
		if msg.Role != models.RoleAssistant {
			continue
		}
		for _, content := range msg.Content {
			if content.Text == nil {
				continue
			}
			reply, err := parseReply(content.Text.Value)
			if err != nil {
				d.logger.Debug("skipping unextractable assistant content",
					zap.String("thread_id", threadID),
					zap.Error(err))
				continue
			}
			return reply, nil
		}
	}

	return "", errors.Wrapf(ErrResponseMalformed, "no extractable assistant reply on thread %s", threadID)
}

// parseReply decodes the assistant's structured content. Model output is
// repaired first; assistants occasionally emit fenced or slightly broken JSON.
func parseReply(raw string) (string, error) {
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return "", errors.Wrap(ErrResponseMalformed, err.Error())
	}

	var payload replyPayload
	if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
		return "", errors.Wrap(ErrResponseMalformed, err.Error())
	}
	if payload.Content == "" {
		return "", errors.Wrap(ErrResponseMalformed, "reply content is empty")
	}
	return payload.Content, nil
}

// cancelRun cancels an abandoned run best-effort with its own short deadline
func (d *Driver) cancelRun(client *openai.Client, threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.CancelRun(ctx, threadID, runID); err != nil {
		d.logger.Warn("failed to cancel abandoned run",
			zap.String("thread_id", threadID),
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

// newClient builds a provider client for one tenant credential
func (d *Driver) newClient(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if d.cfg.BaseURL != "" {
		cfg.BaseURL = d.cfg.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}
