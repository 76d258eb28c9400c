package duoplus

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sns-autopilot/internal/domain"
	"sns-autopilot/internal/infra/metrics"
)

const defaultBaseURL = "https://openapi.duoplus.net"

const commandPath = "/api/v1/cloudPhone/command"

// Client выполняет ADB-команды на облачных устройствах DuoPlus.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

var _ domain.DeviceClient = (*Client)(nil)

// NewClient создаёт клиента DuoPlus.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout + 5*time.Second},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type commandRequest struct {
	ImageID string `json:"image_id"`
	Command string `json:"command"`
}

type commandResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg,omitempty"`
	Data struct {
		Success bool   `json:"success"`
		Content string `json:"content"`
	} `json:"data"`
}

// execute отправляет одну shell-команду на устройство и возвращает её вывод.
func (c *Client) execute(ctx context.Context, operation, deviceID, command string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("duoplus: api key is empty")
	}
	body, err := json.Marshal(commandRequest{ImageID: deviceID, Command: command})
	if err != nil {
		return "", fmt.Errorf("duoplus: marshal request: %w", err)
	}
	endpoint := c.baseURL + commandPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("duoplus: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("DuoPlus-API-Key", c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("duoplus", operation, deviceID, start, err)
		return "", fmt.Errorf("duoplus: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("duoplus", operation, deviceID, start, err)
		return "", fmt.Errorf("duoplus: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("duoplus: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		metrics.ObserveNetworkRequest("duoplus", operation, deviceID, start, err)
		return "", err
	}
	var parsed commandResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		metrics.ObserveNetworkRequest("duoplus", operation, deviceID, start, err)
		return "", fmt.Errorf("duoplus: decode response: %w", err)
	}
	if parsed.Code != 200 {
		err = fmt.Errorf("duoplus: command failed: code %d %s", parsed.Code, parsed.Msg)
		metrics.ObserveNetworkRequest("duoplus", operation, deviceID, start, err)
		return "", err
	}
	metrics.ObserveNetworkRequest("duoplus", operation, deviceID, start, nil)
	return parsed.Data.Content, nil
}

// OpenURL открывает URL в Chrome на устройстве.
func (c *Client) OpenURL(ctx context.Context, deviceID, url string) error {
	command := fmt.Sprintf(`am start -a android.intent.action.VIEW -d "%s" -p com.android.chrome`, url)
	_, err := c.execute(ctx, "open_url", deviceID, command)
	return err
}

// Tap нажимает на указанные координаты.
func (c *Client) Tap(ctx context.Context, deviceID string, x, y int) error {
	_, err := c.execute(ctx, "tap", deviceID, fmt.Sprintf("input tap %d %d", x, y))
	return err
}

// ScrollDown прокручивает экран вниз свайпом 540,1500 → 540,500 за 500мс.
func (c *Client) ScrollDown(ctx context.Context, deviceID string) error {
	_, err := c.execute(ctx, "scroll", deviceID, "input swipe 540 1500 540 500 500")
	return err
}

// InputText вводит текст через ADBKeyboard.
func (c *Client) InputText(ctx context.Context, deviceID, text string) error {
	escaped := strings.ReplaceAll(text, `'`, `'\''`)
	command := fmt.Sprintf(`am broadcast -a ADB_INPUT_TEXT --es msg '%s'`, escaped)
	_, err := c.execute(ctx, "input_text", deviceID, command)
	return err
}

// Screenshot снимает экран и возвращает PNG.
func (c *Client) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	content, err := c.execute(ctx, "screenshot", deviceID, "screencap -p /sdcard/screen.png && base64 /sdcard/screen.png")
	if err != nil {
		return nil, err
	}
	b64 := strings.ReplaceAll(strings.TrimSpace(content), "\n", "")
	img, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("duoplus: decode screenshot: %w", err)
	}
	return img, nil
}

// GetDeviceStatus возвращает снимок состояния устройства.
func (c *Client) GetDeviceStatus(ctx context.Context, deviceID string) (domain.DeviceStatus, error) {
	content, err := c.execute(ctx, "status", deviceID, "getprop sys.boot_completed")
	now := time.Now().UTC()
	if err != nil {
		return domain.DeviceStatus{DeviceID: deviceID, Online: false, CheckedAt: now}, err
	}
	state := strings.TrimSpace(content)
	return domain.DeviceStatus{
		DeviceID:  deviceID,
		Online:    state == "1",
		State:     state,
		CheckedAt: now,
	}, nil
}
