package types

// Model is a model file found in the models directory.
type Model struct {
	// Filename, used as the identifier.
	// example: stablelm-zephyr-3b.Q5_K_M.gguf
	ID string `json:"id" example:"stablelm-zephyr-3b.Q5_K_M.gguf"`
	// Filename without extension.
	// example: stablelm-zephyr-3b.Q5_K_M
	Name string `json:"name" example:"stablelm-zephyr-3b.Q5_K_M"`
	// Absolute path to the model file on disk.
	// example: /home/user/chatd/models/stablelm-zephyr-3b.Q5_K_M.gguf
	Path string `json:"path" example:"/home/user/chatd/models/stablelm-zephyr-3b.Q5_K_M.gguf"`
	// Quantization tag parsed from the filename.
	// example: Q5_K_M
	Quant string `json:"quant,omitempty" example:"Q5_K_M"`
	// gguf or llamafile.
	// example: gguf
	Format string `json:"format" example:"gguf"`
	// example: 1990000000
	SizeBytes int64 `json:"size_bytes" example:"1990000000"`
	// True for the model the main server is launched with.
	Selected bool `json:"selected"`
}

// Bundle is a named set of downloads.
type Bundle struct {
	// example: captioner
	Name string `json:"name" example:"captioner"`
	// example: llava v1.5 7B Q4 server llamafile for image captions
	Description string   `json:"description"`
	URLs        []string `json:"urls"`
	// none, extract or move.
	// example: move
	Install string `json:"install" example:"move"`
	// Directory the files end up in.
	// example: models
	Target string `json:"target" example:"models"`
}
