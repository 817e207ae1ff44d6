package types

// Model is a model package discovered on disk: a directory holding
// chat-config.json and tokenizer.json.
type Model struct {
	// Stable identifier for the model (directory name).
	// example: tinyllama-chat
	ID string `json:"id" example:"tinyllama-chat"`
	// example: model
	Object string `json:"object" example:"model"`
	// Absolute path to the model package.
	// example: /home/user/models/tinyllama-chat
	Path string `json:"path" example:"/home/user/models/tinyllama-chat"`
	// Architecture reported by the package (e.g., llama, mistral, phi).
	// example: llama
	ModelType string `json:"model_type,omitempty" example:"llama"`
	// example: 2048
	ContextWindowSize int `json:"context_window_size,omitempty" example:"2048"`
}

// ModelsResponse wraps the list returned by GET /v1/models.
type ModelsResponse struct {
	// example: list
	Object string  `json:"object" example:"list"`
	Data   []Model `json:"data"`
}

// BridgeStatus is returned by GET /status.
type BridgeStatus struct {
	// Overall state: unloaded or ready.
	// example: ready
	State string `json:"state" example:"ready"`
	// Model currently loaded, if any.
	// example: tinyllama-chat
	Model string `json:"model,omitempty" example:"tinyllama-chat"`
	// example: /home/user/models/tinyllama-chat
	ModelPath string `json:"model_path,omitempty"`
	// example: cpu
	Device string `json:"device,omitempty" example:"cpu"`
	// Requests with live stream state.
	// example: 2
	Inflight int `json:"inflight" example:"2"`
	// Engine output batches waiting for translation.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// example: 1024
	QueueCap int `json:"queue_cap" example:"1024"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Unix time of the last successful reload.
	LoadedAtUnix int64 `json:"loaded_at_unix,omitempty"`
	// Totals since start.
	SubmittedTotal uint64 `json:"submitted_total"`
	RejectedTotal  uint64 `json:"rejected_total"`
	AbortedTotal   uint64 `json:"aborted_total"`
}
