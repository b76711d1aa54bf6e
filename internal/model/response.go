package model

// ErrorResponse 中继的错误响应体 {error: <message>}
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}
