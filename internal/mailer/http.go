package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSender posts rendered mail to a transactional email API.
type HTTPSender struct {
	url        string
	apiKey     string
	from       string
	httpClient *http.Client
	renderer   *Renderer
}

func NewHTTPSender(url, apiKey, from string, timeout time.Duration, renderer *Renderer) *HTTPSender {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSender{url: url, apiKey: apiKey, from: from, httpClient: &http.Client{Timeout: timeout}, renderer: renderer}
}

type httpMail struct {
	From      string            `json:"from"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	HTML      string            `json:"html"`
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables"`
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) (string, error) {
	rendered, err := s.renderer.Render(msg.Template, msg.Variables)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(httpMail{
		From:      s.from,
		To:        msg.Recipient,
		Subject:   rendered.Subject,
		Text:      rendered.Text,
		HTML:      rendered.HTML,
		Template:  msg.Template,
		Variables: msg.Variables,
	})
	if err != nil {
		return "", fmt.Errorf("marshal mail: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send mail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("send mail: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode mail response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("mail response without id")
	}
	return out.ID, nil
}
