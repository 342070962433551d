package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// WSEventHandler receives raw event frames off the long-connection socket.
type WSEventHandler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// WSClient maintains Feishu's event long-connection: it resolves a gateway
// URL via the open-apis endpoint, then holds a reconnecting WebSocket
// session open and hands every JSON event frame to the handler.
//
// Feishu's official SDKs multiplex this connection over a protobuf frame
// envelope; this client instead expects plain JSON event frames, which is
// what the gateway falls back to for non-SDK WebSocket clients. Deployments
// that need the full binary protocol should run in webhook mode instead
// (see Channel.cfg.ConnectionMode).
type WSClient struct {
	appID     string
	appSecret string
	baseURL   string
	handler   WSEventHandler
	client    *http.Client

	stop chan struct{}
}

// NewWSClient creates a long-connection client for the given app credentials.
func NewWSClient(appID, appSecret, baseURL string, handler WSEventHandler) *WSClient {
	return &WSClient{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   baseURL,
		handler:   handler,
		client:    &http.Client{Timeout: 10 * time.Second},
		stop:      make(chan struct{}),
	}
}

// Start connects and reconnects (with backoff) until ctx is canceled or
// Stop is called.
func (w *WSClient) Start(ctx context.Context) error {
	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		default:
		}

		if err := w.runOnce(ctx); err != nil {
			slog.Warn("feishu ws: connection error, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop closes the long-connection session.
func (w *WSClient) Stop() {
	close(w.stop)
}

func (w *WSClient) runOnce(ctx context.Context) error {
	endpoint, err := w.resolveGatewayURL(ctx)
	if err != nil {
		return fmt.Errorf("resolve gateway: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	slog.Info("feishu ws: connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := w.handler.HandleEvent(ctx, data); err != nil {
			slog.Debug("feishu ws: handler error", "error", err)
		}
	}
}

// resolveGatewayURL fetches the long-connection gateway endpoint via the
// open-apis long-connection negotiation call and rewrites it to a ws(s)://
// scheme.
func (w *WSClient) resolveGatewayURL(ctx context.Context) (string, error) {
	client := NewLarkClient(w.appID, w.appSecret, w.baseURL)
	token, err := client.getToken(ctx)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		w.baseURL+"/callback/ws/endpoint", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		// No dedicated negotiation endpoint reachable — fall back to the
		// documented default gateway host for this domain.
		return toWebsocketScheme(w.baseURL) + "/callback/ws", nil
	}
	defer resp.Body.Close()

	var result struct {
		Data struct {
			URL string `json:"URL"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.Data.URL == "" {
		return toWebsocketScheme(w.baseURL) + "/callback/ws", nil
	}
	return result.Data.URL, nil
}

func toWebsocketScheme(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "wss://" + httpURL
	}
}
