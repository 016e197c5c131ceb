package domain

// Cost accumulates token and currency counters for one root call. Counters
// are harvested from model responses by the instrumentation layer and reset
// per root call.
type Cost struct {
	Requests         int     `json:"requests"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency,omitempty"`
}

// Add folds another cost sample into the receiver.
func (c *Cost) Add(other Cost) {
	c.Requests += other.Requests
	c.PromptTokens += other.PromptTokens
	c.CompletionTokens += other.CompletionTokens
	c.TotalTokens += other.TotalTokens
	c.Amount += other.Amount
	if c.Currency == "" {
		c.Currency = other.Currency
	}
}

// Empty reports whether no usage was observed.
func (c Cost) Empty() bool {
	return c.Requests == 0 && c.TotalTokens == 0 && c.Amount == 0
}
