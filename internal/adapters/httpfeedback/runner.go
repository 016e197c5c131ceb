// Package httpfeedback evaluates feedback definitions by POSTing the record
// to an external evaluator service.
package httpfeedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chainlens/chainlens/internal/core/domain"
)

// Runner implements ports.FeedbackRunner over HTTP. The evaluator receives
// the record plus the definition and replies with a scored result.
type Runner struct {
	logger *slog.Logger
	url    string
	client *http.Client
}

func NewRunner(logger *slog.Logger, url string) *Runner {
	return &Runner{
		logger: logger,
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type evaluateRequest struct {
	Record     *domain.Record     `json:"record"`
	Definition domain.FeedbackDef `json:"definition"`
}

type evaluateResponse struct {
	Result      float64 `json:"result"`
	MultiResult string  `json:"multi_result,omitempty"`
	Calls       []any   `json:"calls,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func (r *Runner) Evaluate(ctx context.Context, rec *domain.Record, def domain.FeedbackDef) (domain.FeedbackResult, error) {
	body, err := json.Marshal(evaluateRequest{Record: rec, Definition: def})
	if err != nil {
		return domain.FeedbackResult{}, fmt.Errorf("marshal evaluate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return domain.FeedbackResult{}, fmt.Errorf("build evaluate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.FeedbackResult{}, fmt.Errorf("call feedback evaluator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.FeedbackResult{}, fmt.Errorf("feedback evaluator returned %d", resp.StatusCode)
	}

	var out evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.FeedbackResult{}, fmt.Errorf("decode evaluator response: %w", err)
	}
	if out.Error != "" {
		return domain.FeedbackResult{}, fmt.Errorf("feedback evaluation failed: %s", out.Error)
	}

	return domain.FeedbackResult{
		Name:        def.Name,
		Result:      out.Result,
		MultiResult: out.MultiResult,
		Calls:       out.Calls,
	}, nil
}
