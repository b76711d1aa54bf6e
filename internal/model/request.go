package model

// ChatMessage 发往中继和上游的历史消息
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Type 兼容旧版前端：type 为 "reasoning" 的消息会被中继过滤
	Type string `json:"type,omitempty"`
}

// RelayRequest POST /api/chat 的请求体
type RelayRequest struct {
	Messages []ChatMessage `json:"messages"`
	APIKey   string        `json:"apiKey"`
	Model    string        `json:"model"`
}
