// Package codex implements the completion provider against the ChatGPT Codex
// Responses endpoint.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ZanzyTHEbar/chatrelay/relay"
	ports "github.com/ZanzyTHEbar/chatrelay/relay/generation/harness/ports"
	"github.com/ZanzyTHEbar/chatrelay/relay/generation/stream"
)

const origin = "https://chatgpt.com"

// APIError is a non-2xx response from the endpoint.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("codex request failed (%d): %s", e.StatusCode, e.Detail)
}

// Config configures a Client.
type Config struct {
	Endpoint     string
	DefaultModel string
	Credentials  ports.CredentialProvider
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

// Client streams completions from the Codex endpoint.
type Client struct {
	endpoint string
	model    string
	creds    ports.CredentialProvider
	http     *http.Client
	log      zerolog.Logger
}

var _ ports.Provider = (*Client)(nil)

// New returns a client. Credentials are required.
func New(cfg Config) (*Client, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("codex: credentials provider is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = relay.DefaultCodexEndpoint
	}
	if cfg.HTTPClient == nil {
		// No overall timeout: streams stay open for as long as the model writes.
		cfg.HTTPClient = &http.Client{}
	}

	return &Client{
		endpoint: cfg.Endpoint,
		model:    strings.TrimSpace(cfg.DefaultModel),
		creds:    cfg.Credentials,
		http:     cfg.HTTPClient,
		log:      cfg.Logger,
	}, nil
}

type tool struct {
	Type string `json:"type"`
}

type requestBody struct {
	Model        string                `json:"model"`
	Instructions string                `json:"instructions"`
	Input        []ports.PromptMessage `json:"input"`
	Store        bool                  `json:"store"`
	Stream       bool                  `json:"stream"`
	Tools        []tool                `json:"tools,omitempty"`
}

// Complete drains Stream and returns the definitive text.
func (c *Client) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	ch, err := c.Stream(ctx, in, opts)
	if err != nil {
		return ports.Completion{}, err
	}

	for chunk := range ch {
		if !chunk.Done {
			continue
		}
		if chunk.Err != nil {
			return ports.Completion{Text: chunk.Text, Streamed: chunk.Streamed}, chunk.Err
		}
		return ports.Completion{Text: chunk.Text, Streamed: chunk.Streamed}, nil
	}
	return ports.Completion{}, ctx.Err()
}

// Stream sends the request and returns a channel of deltas terminated by a
// Done chunk. Request and HTTP status errors are returned directly; errors
// while reading the body arrive on the Done chunk. The channel is closed after
// the Done chunk or once ctx ends.
func (c *Client) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		ch, err := c.stream(ctx, in, opts)
		if err != nil {
			cancel()
			return nil, err
		}
		return forward(ctx, ch, cancel), nil
	}
	return c.stream(ctx, in, opts)
}

// forward copies in to the returned channel and releases the request timeout
// once the stream is over.
func forward(ctx context.Context, in <-chan ports.CompletionChunk, cancel context.CancelFunc) <-chan ports.CompletionChunk {
	out := make(chan ports.CompletionChunk)
	go func() {
		defer cancel()
		defer close(out)
		for chunk := range in {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (c *Client) stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	body, err := c.buildBody(in, opts)
	if err != nil {
		return nil, err
	}

	res, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		raw, _ := io.ReadAll(res.Body)
		return nil, &APIError{StatusCode: res.StatusCode, Detail: relay.ErrorDetail(raw)}
	}

	out := make(chan ports.CompletionChunk, 16)
	go c.decode(ctx, res, out)
	return out, nil
}

func (c *Client) buildBody(in ports.PromptInput, opts ports.Options) ([]byte, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, errors.New("codex: model is required")
	}

	instructions := strings.TrimSpace(in.System)
	if instructions == "" {
		instructions = relay.DefaultSystemPrompt
	}

	req := requestBody{
		Model:        model,
		Instructions: instructions,
		Input:        in.Messages,
		Store:        false,
		Stream:       true,
	}
	if req.Input == nil {
		req.Input = []ports.PromptMessage{}
	}
	if opts.WebSearch {
		req.Tools = []tool{{Type: "web_search"}}
	}

	return json.Marshal(req)
}

// send posts body, refreshing credentials and retrying once when the endpoint
// answers 401 or 403.
func (c *Client) send(ctx context.Context, body []byte) (*http.Response, error) {
	var (
		res     *http.Response
		attempt int
	)

	backoff := retry.WithMaxRetries(1, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		creds, err := c.credentials(ctx, attempt > 1)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("codex request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		req.Header.Set("Origin", origin)
		req.Header.Set("Referer", origin+"/")
		if creds.AccountID != "" {
			req.Header.Set("ChatGPT-Account-Id", creds.AccountID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("codex request: %w", err)
		}

		if attempt == 1 && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			c.log.Info().Int("status", resp.StatusCode).Msg("codex rejected credentials, refreshing")
			return retry.RetryableError(&APIError{StatusCode: resp.StatusCode, Detail: "unauthorized"})
		}

		res = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) credentials(ctx context.Context, refresh bool) (ports.Credentials, error) {
	var (
		creds ports.Credentials
		err   error
	)
	if refresh {
		creds, err = c.creds.Refresh(ctx)
	} else {
		creds, err = c.creds.Credentials(ctx)
	}
	if err != nil {
		return ports.Credentials{}, fmt.Errorf("codex credentials: %w", err)
	}
	if creds.AccessToken == "" {
		return ports.Credentials{}, errors.New("codex: access token is unavailable")
	}
	return creds, nil
}

func (c *Client) decode(ctx context.Context, res *http.Response, out chan<- ports.CompletionChunk) {
	defer close(out)
	defer res.Body.Close()

	emit := func(chunk ports.CompletionChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !isEventStream(res.Header.Get("Content-Type")) {
		raw, err := io.ReadAll(res.Body)
		if err != nil {
			emit(ports.CompletionChunk{Done: true, Err: fmt.Errorf("codex response: %w", err)})
			return
		}
		r := stream.DecodePayload(raw)
		emit(ports.CompletionChunk{Done: true, Text: r.Text, Streamed: r.Streamed})
		return
	}

	canceled := false
	r, err := stream.Decode(res.Body, func(delta, full string) {
		if canceled {
			return
		}
		if !emit(ports.CompletionChunk{DeltaText: delta, Text: full, Streamed: true}) {
			canceled = true
		}
	})
	if canceled {
		return
	}
	if err != nil {
		err = fmt.Errorf("codex stream: %w", err)
	}
	emit(ports.CompletionChunk{Done: true, Text: r.Text, Streamed: r.Streamed, Err: err})
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}
