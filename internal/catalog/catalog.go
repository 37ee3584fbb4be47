// Package catalog lists the named download bundles: chat models, the
// llama.cpp backend, the llava captioner and the translator model.
package catalog

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"chatd/internal/apperr"
	"chatd/internal/config"
	"chatd/internal/transfer"
)

// Bundle is a set of URLs downloaded by one queue.
type Bundle struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Items       []transfer.Item      `json:"items"`
	Install     transfer.InstallMode `json:"install"`
	// Target is a config.TargetDir keyword or a directory.
	Target string `json:"target"`
	// Model is set for chat model bundles and names the file to select.
	Model string `json:"model,omitempty"`
}

const hf = "https://huggingface.co/"

var builtin = []Bundle{
	{
		Name:        "wizard-vicuna-7b",
		Description: "Wizard Vicuna 7B Uncensored Q5, 4.7GB",
		Items: []transfer.Item{{
			URL: hf + "TheBloke/Wizard-Vicuna-7B-Uncensored-GGUF/resolve/main/Wizard-Vicuna-7B-Uncensored.Q5_K_M.gguf?download=true",
		}},
		Target: "models",
		Model:  "Wizard-Vicuna-7B-Uncensored.Q5_K_M.gguf",
	},
	{
		Name:        "stablelm-zephyr-3b",
		Description: "Stablelm Zephyr 3B Q5, 1.99GB",
		Items: []transfer.Item{{
			URL: hf + "TheBloke/stablelm-zephyr-3b-GGUF/resolve/main/stablelm-zephyr-3b.Q5_K_M.gguf?download=true",
		}},
		Target: "models",
		Model:  "stablelm-zephyr-3b.Q5_K_M.gguf",
	},
	{
		Name:        "tinyllama-1.1b",
		Description: "TinyLlama Chat 1.1B Q4, 0.6GB",
		Items: []transfer.Item{{
			URL: hf + "TheBloke/TinyLlama-1.1B-Chat-v0.3-GGUF/resolve/main/tinyllama-1.1b-chat-v0.3.Q4_K_M.gguf?download=true",
		}},
		Target: "models",
		Model:  "tinyllama-1.1b-chat-v0.3.Q4_K_M.gguf",
	},
	{
		Name:        "llama-backend",
		Description: "llama.cpp server b2487 (CLBlast, x64)",
		Items: []transfer.Item{{
			URL: "https://github.com/ggerganov/llama.cpp/releases/download/b2487/llama-b2487-bin-win-clblast-x64.zip",
		}},
		Install: transfer.InstallExtract,
		Target:  "backend",
	},
	{
		Name:        "captioner",
		Description: "llava v1.5 7B Q4 server llamafile for image captions",
		Items: []transfer.Item{{
			URL:    hf + "jartine/llava-v1.5-7B-GGUF/resolve/464b6aff708957b47af122b5b666d5ba81b8616b/llava-v1.5-7b-q4-server.llamafile?download=true",
			SHA256: "67e368f87fc3df0a6cf8b566fe9d91adf3695e338e4c87232dc0be164a1b734c",
		}},
		Install: transfer.InstallMove,
		Target:  "models",
	},
	{
		Name:        "translator",
		Description: "M2M100 1.2B CTranslate2 int8 translator",
		Items: []transfer.Item{
			{URL: hf + "JustFrederik/m2m_100_1.2b_ct2_int8/resolve/main/config.json?download=true"},
			{URL: hf + "JustFrederik/m2m_100_1.2b_ct2_int8/resolve/main/model.bin?download=true"},
			{URL: hf + "JustFrederik/m2m_100_1.2b_ct2_int8/resolve/main/shared_vocabulary.txt?download=true"},
			{URL: hf + "JustFrederik/m2m_100_1.2b_ct2_int8/resolve/main/spm.128k.model?download=true"},
		},
		Install: transfer.InstallMove,
		Target:  "translator",
	},
}

// Catalog is the built-in bundles followed by those from the config file.
// A config bundle replaces a built-in of the same name.
type Catalog struct {
	bundles []Bundle
}

// Builtin returns a copy of the bundles shipped with the binary.
func Builtin() []Bundle {
	out := make([]Bundle, len(builtin))
	for i, b := range builtin {
		b.Items = slices.Clone(b.Items)
		out[i] = b
	}
	return out
}

// New merges the built-in bundles with cfg.Bundles.
func New(extra []config.Bundle) (*Catalog, error) {
	c := &Catalog{bundles: Builtin()}
	for i, cb := range extra {
		b, err := fromConfig(cb)
		if err != nil {
			return nil, fmt.Errorf("bundles[%d]: %w", i, err)
		}
		if j := c.index(b.Name); j >= 0 {
			c.bundles[j] = b
		} else {
			c.bundles = append(c.bundles, b)
		}
	}
	return c, nil
}

func fromConfig(cb config.Bundle) (Bundle, error) {
	mode, err := transfer.ParseInstallMode(cb.Install)
	if err != nil {
		return Bundle{}, err
	}
	b := Bundle{Name: cb.Name, Description: cb.Description, Install: mode, Target: cb.Target}
	for i, u := range cb.URLs {
		it := transfer.Item{URL: u}
		if i < len(cb.SHA256) {
			it.SHA256 = cb.SHA256[i]
		}
		if i < len(cb.Filenames) {
			it.Filename = cb.Filenames[i]
		}
		b.Items = append(b.Items, it)
	}
	if len(b.Items) == 1 && mode == transfer.InstallNone {
		if name, err := transfer.FilenameFromURL(b.Items[0].URL); err == nil && isModelFile(name) {
			b.Model = name
		}
	}
	return b, nil
}

func (c *Catalog) index(name string) int {
	for i, b := range c.bundles {
		if strings.EqualFold(b.Name, name) {
			return i
		}
	}
	return -1
}

func (c *Catalog) List() []Bundle { return slices.Clone(c.bundles) }

// Lookup finds a bundle by name, case-insensitively.
func (c *Catalog) Lookup(name string) (Bundle, error) {
	i := c.index(strings.TrimSpace(name))
	if i < 0 {
		return Bundle{}, apperr.NotFound("bundle", fmt.Sprintf("unknown bundle %q", name))
	}
	return c.bundles[i], nil
}

// Dirs returns the staging and install directories for b. Bundles that are
// not installed download straight into their target.
func (b Bundle) Dirs(cfg config.Config) (staging, dest string) {
	dest = cfg.TargetDir(b.Target)
	if b.Install == transfer.InstallNone {
		return dest, ""
	}
	return filepath.Join(cfg.Paths.TempDir, "downloads"), dest
}

func isModelFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".gguf" || ext == ".llamafile"
}
