package instrument

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/agents"
	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/tools"

	"github.com/chainlens/chainlens/internal/core/domain"
	"github.com/chainlens/chainlens/internal/core/services"
)

// traced runs invoke under a pushed call frame and appends one call record
// to the active recording. Outside a recording it delegates with no
// side effects. A corrupted recording context fails the call immediately.
func traced(ctx context.Context, frame domain.CallFrame, args map[string]any, invoke func(context.Context) (map[string]any, error)) error {
	rec, ok, err := services.ActiveRecording(ctx)
	if err != nil {
		return err
	}
	if !ok {
		_, err := invoke(ctx)
		return err
	}

	ctx, stack := services.WithCallFrame(ctx, frame)
	started := time.Now().UTC()
	returns, callErr := invoke(ctx)

	call := domain.CallRecord{
		CallID:    uuid.NewString(),
		Stack:     stack,
		Args:      SerializeMap(args),
		Pid:       os.Getpid(),
		Goroutine: services.GoroutineID(),
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
	}
	if callErr != nil {
		call.Error = callErr.Error()
	} else {
		call.Returns = SerializeMap(returns)
	}
	rec.Append(call)

	return callErr
}

func frame(path domain.CallPath, class, method string) domain.CallFrame {
	return domain.CallFrame{Path: path, Method: domain.MethodID{Class: class, Name: method}}
}

type wrappedChain struct {
	inner chains.Chain
	path  domain.CallPath
	class string
}

func (w *wrappedChain) Unwrap() any { return w.inner }

func (w *wrappedChain) Call(ctx context.Context, inputs map[string]any, options ...chains.ChainCallOption) (map[string]any, error) {
	var outputs map[string]any
	err := traced(ctx, frame(w.path, w.class, "Call"), map[string]any{"inputs": inputs}, func(ctx context.Context) (map[string]any, error) {
		var err error
		outputs, err = w.inner.Call(ctx, inputs, options...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"outputs": outputs}, nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func (w *wrappedChain) GetMemory() schema.Memory { return w.inner.GetMemory() }
func (w *wrappedChain) GetInputKeys() []string   { return w.inner.GetInputKeys() }
func (w *wrappedChain) GetOutputKeys() []string  { return w.inner.GetOutputKeys() }

type wrappedAgent struct {
	inner agents.Agent
	path  domain.CallPath
	class string
}

func (w *wrappedAgent) Unwrap() any { return w.inner }

func (w *wrappedAgent) Plan(ctx context.Context, intermediateSteps []schema.AgentStep, inputs map[string]string) ([]schema.AgentAction, *schema.AgentFinish, error) {
	var (
		actions []schema.AgentAction
		finish  *schema.AgentFinish
	)
	err := traced(ctx, frame(w.path, w.class, "Plan"),
		map[string]any{"intermediateSteps": intermediateSteps, "inputs": inputs},
		func(ctx context.Context) (map[string]any, error) {
			var err error
			actions, finish, err = w.inner.Plan(ctx, intermediateSteps, inputs)
			if err != nil {
				return nil, err
			}
			return map[string]any{"actions": actions, "finish": finish}, nil
		})
	if err != nil {
		return nil, nil, err
	}
	return actions, finish, nil
}

func (w *wrappedAgent) GetInputKeys() []string  { return w.inner.GetInputKeys() }
func (w *wrappedAgent) GetOutputKeys() []string { return w.inner.GetOutputKeys() }
func (w *wrappedAgent) GetTools() []tools.Tool  { return w.inner.GetTools() }

type wrappedRetriever struct {
	inner schema.Retriever
	path  domain.CallPath
	class string
}

func (w *wrappedRetriever) Unwrap() any { return w.inner }

func (w *wrappedRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	var docs []schema.Document
	err := traced(ctx, frame(w.path, w.class, "GetRelevantDocuments"), map[string]any{"query": query}, func(ctx context.Context) (map[string]any, error) {
		var err error
		docs, err = w.inner.GetRelevantDocuments(ctx, query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"documents": docs}, nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

type wrappedModel struct {
	inner llms.Model
	path  domain.CallPath
	class string
}

func (w *wrappedModel) Unwrap() any { return w.inner }

func (w *wrappedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var resp *llms.ContentResponse
	err := traced(ctx, frame(w.path, w.class, "GenerateContent"), map[string]any{"messages": messages}, func(ctx context.Context) (map[string]any, error) {
		var err error
		resp, err = w.inner.GenerateContent(ctx, messages, options...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"response": resp}, nil
	})
	if err != nil {
		return nil, err
	}
	w.harvestCost(ctx, resp)
	return resp, nil
}

func (w *wrappedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	var completion string
	err := traced(ctx, frame(w.path, w.class, "Call"), map[string]any{"prompt": prompt}, func(ctx context.Context) (map[string]any, error) {
		var err error
		completion, err = w.inner.Call(ctx, prompt, options...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"completion": completion}, nil
	})
	if err != nil {
		return "", err
	}
	return completion, nil
}

// harvestCost folds any token usage reported alongside the response into the
// active recording's counters. Providers that report nothing add nothing
// beyond the request count.
func (w *wrappedModel) harvestCost(ctx context.Context, resp *llms.ContentResponse) {
	rec, ok, err := services.ActiveRecording(ctx)
	if err != nil || !ok || resp == nil {
		return
	}

	cost := domain.Cost{Requests: 1}
	for _, choice := range resp.Choices {
		if choice == nil || choice.GenerationInfo == nil {
			continue
		}
		cost.PromptTokens += infoInt(choice.GenerationInfo, "PromptTokens")
		cost.CompletionTokens += infoInt(choice.GenerationInfo, "CompletionTokens")
		cost.TotalTokens += infoInt(choice.GenerationInfo, "TotalTokens")
	}
	if cost.TotalTokens == 0 {
		cost.TotalTokens = cost.PromptTokens + cost.CompletionTokens
	}
	rec.AddCost(cost)
}

func infoInt(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

type wrappedTool struct {
	inner tools.Tool
	path  domain.CallPath
	class string
}

func (w *wrappedTool) Unwrap() any         { return w.inner }
func (w *wrappedTool) Name() string        { return w.inner.Name() }
func (w *wrappedTool) Description() string { return w.inner.Description() }

func (w *wrappedTool) Call(ctx context.Context, input string) (string, error) {
	var output string
	err := traced(ctx, frame(w.path, w.class, "Call"), map[string]any{"input": input}, func(ctx context.Context) (map[string]any, error) {
		var err error
		output, err = w.inner.Call(ctx, input)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": output}, nil
	})
	if err != nil {
		return "", err
	}
	return output, nil
}

type wrappedMemory struct {
	inner schema.Memory
	path  domain.CallPath
	class string
}

func (w *wrappedMemory) Unwrap() any { return w.inner }

func (w *wrappedMemory) GetMemoryKey(ctx context.Context) string {
	return w.inner.GetMemoryKey(ctx)
}

func (w *wrappedMemory) MemoryVariables(ctx context.Context) []string {
	return w.inner.MemoryVariables(ctx)
}

func (w *wrappedMemory) LoadMemoryVariables(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	var variables map[string]any
	err := traced(ctx, frame(w.path, w.class, "LoadMemoryVariables"), map[string]any{"inputs": inputs}, func(ctx context.Context) (map[string]any, error) {
		var err error
		variables, err = w.inner.LoadMemoryVariables(ctx, inputs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"variables": variables}, nil
	})
	if err != nil {
		return nil, err
	}
	return variables, nil
}

func (w *wrappedMemory) SaveContext(ctx context.Context, inputs map[string]any, outputs map[string]any) error {
	return traced(ctx, frame(w.path, w.class, "SaveContext"),
		map[string]any{"inputs": inputs, "outputs": outputs},
		func(ctx context.Context) (map[string]any, error) {
			if err := w.inner.SaveContext(ctx, inputs, outputs); err != nil {
				return nil, err
			}
			return nil, nil
		})
}

func (w *wrappedMemory) Clear(ctx context.Context) error {
	return w.inner.Clear(ctx)
}
