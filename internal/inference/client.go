// Package inference talks to the local llama.cpp and llava servers.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatd/internal/apperr"
	"chatd/internal/metrics"
)

const (
	defaultRepeatPenalty = 1.18
	errBodyLimit         = 4096

	// CaptionPrompt asks llava for an alt text of image slot 10.
	CaptionPrompt = "A chat between a curious human and an artificial intelligence assistant. " +
		"The assistant gives helpful and detailed answers to the human's questions.\n" +
		"USER:[img-10]Describe everything in this image as an alt text for blind people. " +
		"If there are human characters exist, describe the characters and their face expression, " +
		"outfit, posture, age and features in detail.\nASSISTANT:"
	captionImageID = 10
)

// Options configures a Client.
type Options struct {
	// BaseURL is the main server, CaptionURL the llava server.
	BaseURL    string
	CaptionURL string
	// Client must not set a Timeout; deadlines come from contexts.
	Client        *http.Client
	Timeout       time.Duration
	RepeatPenalty float64
	Logger        zerolog.Logger
}

// Client is stateless apart from its configuration and safe for concurrent use.
type Client struct {
	base       string
	captionURL string
	http       *http.Client
	timeout    time.Duration
	penalty    float64
	log        zerolog.Logger
}

func New(opts Options) *Client {
	cli := opts.Client
	if cli == nil {
		cli = &http.Client{Timeout: 0}
	}
	penalty := opts.RepeatPenalty
	if penalty == 0 {
		penalty = defaultRepeatPenalty
	}
	return &Client{
		base:       strings.TrimRight(opts.BaseURL, "/"),
		captionURL: strings.TrimRight(opts.CaptionURL, "/"),
		http:       cli,
		timeout:    opts.Timeout,
		penalty:    penalty,
		log:        opts.Logger,
	}
}

// CompletionRequest is one raw-prompt completion.
type CompletionRequest struct {
	Prompt      string
	Stop        []string
	MaxTokens   int
	Temperature float64
}

// Completion is the text produced for a CompletionRequest.
type Completion struct {
	Content         string        `json:"content"`
	TokensPredicted int           `json:"tokens_predicted"`
	TokensEvaluated int           `json:"tokens_evaluated"`
	Elapsed         time.Duration `json:"elapsed"`
}

type completionPayload struct {
	Prompt        string   `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Stop          []string `json:"stop"`
	Temperature   float64  `json:"temperature"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	CachePrompt   bool     `json:"cache_prompt"`
}

type completionResponse struct {
	Content         *string `json:"content"`
	TokensPredicted int     `json:"tokens_predicted"`
	TokensEvaluated int     `json:"tokens_evaluated"`
}

// Complete posts to {base}/completion. There is no retry.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	stop := req.Stop
	if stop == nil {
		stop = []string{}
	}
	payload := completionPayload{
		Prompt:        req.Prompt,
		NPredict:      req.MaxTokens,
		Stop:          stop,
		Temperature:   req.Temperature,
		RepeatPenalty: c.penalty,
		CachePrompt:   true,
	}
	var out completionResponse
	start := time.Now()
	if err := c.post(ctx, "inference", "completion", c.base+"/completion", payload, &out); err != nil {
		return Completion{}, err
	}
	if out.Content == nil {
		return Completion{}, apperr.Protocol("inference", nil, "response has no content field")
	}
	return Completion{
		Content:         *out.Content,
		TokensPredicted: out.TokensPredicted,
		TokensEvaluated: out.TokensEvaluated,
		Elapsed:         time.Since(start),
	}, nil
}

// ChatMessage is one OpenAI-style message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Stop        []string      `json:"stop,omitempty"`
}

type ChatReply struct {
	Content     string `json:"content"`
	TotalTokens int    `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat posts to {base}/v1/chat/completions.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	if len(req.Messages) == 0 {
		return ChatReply{}, apperr.Invalid("inference", "no messages")
	}
	var out chatResponse
	if err := c.post(ctx, "inference", "chat", c.base+"/v1/chat/completions", req, &out); err != nil {
		return ChatReply{}, err
	}
	if len(out.Choices) == 0 {
		return ChatReply{}, apperr.Protocol("inference", nil, "response has no choices")
	}
	return ChatReply{Content: out.Choices[0].Message.Content, TotalTokens: out.Usage.TotalTokens}, nil
}

type imageData struct {
	Data string `json:"data"`
	ID   int    `json:"id"`
}

type captionPayload struct {
	Stream        bool        `json:"stream"`
	NPredict      int         `json:"n_predict"`
	Temperature   float64     `json:"temperature"`
	Stop          []string    `json:"stop"`
	RepeatLastN   int         `json:"repeat_last_n"`
	RepeatPenalty float64     `json:"repeat_penalty"`
	TopK          int         `json:"top_k"`
	TopP          float64     `json:"top_p"`
	CachePrompt   bool        `json:"cache_prompt"`
	SlotID        int         `json:"slot_id"`
	ImageData     []imageData `json:"image_data"`
	Prompt        string      `json:"prompt"`
}

// Caption asks the llava server for an alt text of the image at path.
func (c *Client) Caption(ctx context.Context, path string) (string, error) {
	if c.captionURL == "" {
		return "", apperr.Invalid("caption", "captioning server not configured")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", apperr.Filesystem("caption", err, "read image")
	}
	if ct := http.DetectContentType(raw); !strings.HasPrefix(ct, "image/") {
		return "", apperr.Invalid("caption", fmt.Sprintf("%s is not an image (%s)", path, ct))
	}
	payload := captionPayload{
		NPredict:      512,
		Temperature:   0.1,
		Stop:          []string{"</s>", "Llama:", "User:"},
		RepeatLastN:   256,
		RepeatPenalty: c.penalty,
		TopK:          40,
		TopP:          0.5,
		SlotID:        -1,
		ImageData:     []imageData{{Data: base64.StdEncoding.EncodeToString(raw), ID: captionImageID}},
		Prompt:        CaptionPrompt,
	}
	var out completionResponse
	if err := c.post(ctx, "caption", "caption", c.captionURL+"/completion", payload, &out); err != nil {
		return "", err
	}
	if out.Content == nil {
		return "", apperr.Protocol("caption", nil, "response has no content field")
	}
	return strings.TrimSpace(*out.Content), nil
}

// post sends in as JSON and decodes the 2xx response into out.
func (c *Client) post(ctx context.Context, op, endpoint, url string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.InferenceRequests.WithLabelValues(endpoint, metrics.Result(err)).Inc()
		metrics.InferenceDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		ev := c.log.Debug()
		if err != nil {
			ev = c.log.Warn().Err(err)
		}
		ev.Str("endpoint", endpoint).Dur("elapsed", time.Since(start)).Msg("server request")
	}()

	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, err := json.Marshal(in)
	if err != nil {
		return apperr.Invalid(op, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Invalid(op, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Network(op, err, "POST %s", endpoint)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return apperr.Network(op, nil, "%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Protocol(op, err, "decode %s response", endpoint)
	}
	return nil
}
