package models

// ChatMessage is a single turn in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatBody is the OpenAI-style request body carried on an input line.
type ChatBody struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
}

// BatchRequestLine is one line of an input file.
type BatchRequestLine struct {
	CustomID string   `json:"custom_id"`
	Method   string   `json:"method"`
	URL      string   `json:"url"`
	Body     ChatBody `json:"body"`
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletion is the OpenAI-style completion object embedded in a result line.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// LineError carries a per-request failure on a result line.
type LineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultResponse wraps the completion with transport-level fields.
type ResultResponse struct {
	StatusCode int             `json:"status_code"`
	RequestID  string          `json:"request_id"`
	Body       *ChatCompletion `json:"body"`
}

// BatchResultLine is one line of an output file. Exactly one of Response
// (with StatusCode 200) or Error describes the outcome; error outcomes still
// carry a Response with the failing status code.
type BatchResultLine struct {
	CustomID string          `json:"custom_id"`
	Response *ResultResponse `json:"response"`
	Error    *LineError      `json:"error"`
}
