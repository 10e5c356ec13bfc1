package domain

// ChatMessage is the provider-agnostic chat message shape used by the
// conversation history and the LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest is a single chat completion call.
type CompletionRequest struct {
	Messages    []ChatMessage
	Temperature float32
	// JSON asks the model for a JSON object response.
	JSON      bool
	MaxTokens int
}

// Completion is the model output plus the tokens it consumed.
type Completion struct {
	Content string
	Usage   Usage
}

const (
	promptTokenCost     = 0.000005
	completionTokenCost = 0.000015
)

// Usage accumulates token counts across model calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// CostEstimate is the USD estimate for the recorded tokens.
func (u Usage) CostEstimate() float64 {
	return float64(u.PromptTokens)*promptTokenCost + float64(u.CompletionTokens)*completionTokenCost
}
