package types

import "time"

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// SelectModelRequest chooses the model the main server launches with.
type SelectModelRequest struct {
	// example: kunoichi-7b.Q6_K.gguf
	Model string `json:"model" example:"kunoichi-7b.Q6_K.gguf"`
}

// BundlesResponse is returned by GET /bundles.
type BundlesResponse struct {
	Bundles []Bundle `json:"bundles"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: server did not become ready
	Error string `json:"error" example:"server did not become ready"`
	// HTTP status code.
	// example: 503
	Code int `json:"code" example:"503"`
	// Error kind (network, filesystem, archive, process, protocol, busy, not_found, invalid).
	// example: process
	Kind string `json:"kind,omitempty" example:"process"`
}

// DownloadItem is one URL of a download request.
type DownloadItem struct {
	// example: https://huggingface.co/TheBloke/TinyLlama-1.1B-Chat-v0.3-GGUF/resolve/main/tinyllama-1.1b-chat-v0.3.Q4_K_M.gguf
	URL string `json:"url"`
	// Overrides the filename derived from the URL.
	Filename string `json:"filename,omitempty"`
	// Expected SHA-256 of the complete file, hex.
	SHA256 string `json:"sha256,omitempty"`
}

// DownloadRequest starts a queue either from a catalog bundle or from URLs.
type DownloadRequest struct {
	// Catalog bundle name. Mutually exclusive with Items.
	// example: tinyllama-1.1b
	Bundle string         `json:"bundle,omitempty" example:"tinyllama-1.1b"`
	Items  []DownloadItem `json:"items,omitempty"`
	// none, extract or move. Ignored for bundles.
	// example: none
	Install string `json:"install,omitempty" example:"none"`
	// Target keyword (models, backend, translator, temp) or directory. Ignored for bundles.
	// example: models
	Target string `json:"target,omitempty" example:"models"`
	// What to do with partial files: ask, resume or overwrite. Defaults to the config.
	// example: resume
	OnConflict string `json:"on_conflict,omitempty" example:"resume"`
	// Replace occupied install destinations.
	Overwrite bool `json:"overwrite,omitempty"`
	// Make the downloaded model the selected one on success.
	Select bool `json:"select,omitempty"`
}

// DownloadFile is the per-file state of a download.
type DownloadFile struct {
	URL       string   `json:"url"`
	Filename  string   `json:"filename"`
	Path      string   `json:"path"`
	Status    string   `json:"status"`
	Percent   int      `json:"percent"`
	Written   int64    `json:"written"`
	Total     int64    `json:"total"`
	Installed []string `json:"installed,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// DownloadStatus describes one queue.
type DownloadStatus struct {
	// example: 4b6f3c2e-8a1d-4a57-9a57-2f0d3f1c9b11
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
	// pending, running, completed, failed or canceled.
	// example: running
	Status string `json:"status" example:"running"`
	// 1-based index of the current file.
	// example: 2
	Index int `json:"index" example:"2"`
	// example: 4
	Count int `json:"count" example:"4"`
	// example: downloading file 2/4
	Message string `json:"message,omitempty" example:"downloading file 2/4"`
	Error   string `json:"error,omitempty"`
	// Pending conflict awaiting POST /downloads/{id}/resolve.
	Conflict *DownloadConflict `json:"conflict,omitempty"`
	Files    []DownloadFile    `json:"files"`
	Started  time.Time         `json:"started,omitempty"`
	Finished time.Time         `json:"finished,omitempty"`
}

// DownloadConflict is a partial file waiting for a decision.
type DownloadConflict struct {
	Index int    `json:"index"`
	Count int    `json:"count"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

// DownloadsResponse is returned by GET /downloads.
type DownloadsResponse struct {
	Downloads []DownloadStatus `json:"downloads"`
}

// ResolveRequest answers a pending conflict.
type ResolveRequest struct {
	// resume, overwrite or abort.
	// example: resume
	Resolution string `json:"resolution" example:"resume"`
}

// ServerRequest starts or stops a server role.
type ServerRequest struct {
	// main or captioning. Empty means main for start and all for stop.
	// example: main
	Role string `json:"role,omitempty" example:"main"`
	// Model file to select before starting the main server.
	Model string `json:"model,omitempty"`
	// Block until the server is ready.
	Wait bool `json:"wait,omitempty"`
}

// ServerStatus is the state of the supervised server.
type ServerStatus struct {
	// none, main or captioning.
	// example: main
	Role string `json:"role" example:"main"`
	// stopped, starting or ready.
	// example: ready
	State     string    `json:"state" example:"ready"`
	PID       int       `json:"pid,omitempty"`
	Binary    string    `json:"binary,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ReadyAt   time.Time `json:"ready_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Server ServerStatus `json:"server"`
	// example: kunoichi-7b.Q6_K.gguf
	Model string `json:"model"`
	// True while a chat turn is in flight.
	ChatBusy bool `json:"chat_busy"`
	// Number of queues still running.
	ActiveDownloads int `json:"active_downloads"`
	// Latest resource reading.
	Resources string `json:"resources,omitempty"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// ChatRequest submits one turn.
type ChatRequest struct {
	// example: What is the capital of France?
	Message string `json:"message" example:"What is the capital of France?"`
	// Local path of an image to caption and attach.
	ImagePath string `json:"image_path,omitempty"`
	// Overrides the configured sampling for this turn.
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// ChatResponse is the reply to a turn.
type ChatResponse struct {
	// example:  The capital of France is Paris.
	Text    string `json:"text"`
	Caption string `json:"caption,omitempty"`
	// example: 9
	Tokens    int   `json:"tokens"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// ChatEntry is one transcript line.
type ChatEntry struct {
	// example: AI Assistant
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Image   string `json:"image,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// TranscriptResponse is returned by GET /chat.
type TranscriptResponse struct {
	UserName string      `json:"user_name"`
	AIName   string      `json:"ai_name"`
	Busy     bool        `json:"busy"`
	Entries  []ChatEntry `json:"entries"`
}

// PersonaRequest renames the speakers and replaces the system prompt.
// Empty fields keep their current value.
type PersonaRequest struct {
	// example: Ada
	UserName string `json:"user_name,omitempty" example:"Ada"`
	// example: Tutor
	AIName       string `json:"ai_name,omitempty" example:"Tutor"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Compact      *bool  `json:"compact,omitempty"`
}

// UndoResponse returns the undone user message for editing.
type UndoResponse struct {
	Message   string `json:"message"`
	ImagePath string `json:"image_path,omitempty"`
}
