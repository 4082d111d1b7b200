package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/stasm/todo/internal/config"
	"github.com/stasm/todo/internal/domain"
	"github.com/stasm/todo/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher follows the action log and posts new actions to the
// configured hooks. Each hook has its own cursor, starting at the newest
// action once that is known. Nothing is sent before then.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	ready    bool
	cursors  map[int]int64
}

func startWebhookDispatcher(ctx context.Context, e engine.Engine, hooks []config.WebhookConfig, logger *slog.Logger) *webhookDispatcher {
	var active []config.WebhookConfig
	for _, h := range hooks {
		if h.Active() {
			active = append(active, h)
		}
	}
	if len(active) == 0 {
		return nil
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: active,
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
	d.initCursors(ctx)
	go d.run(ctx)
	return d
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// initCursors points every hook at the newest action. It reports false when
// the lookup fails; dispatchAll retries it on the next tick.
func (d *webhookDispatcher) initCursors(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return true
	}
	cur, err := d.engine.LatestActionID(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "error", err)
		return false
	}
	for i := range d.webhooks {
		d.cursors[i] = cur
	}
	d.ready = true
	return true
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	if !d.initCursors(ctx) {
		return
	}
	for i, hook := range d.webhooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(idx)
	actions, err := d.engine.ActionsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Warn("webhook: fetch actions failed", "error", err)
		return
	}
	filter := newFlagFilter(hook.Flags)
	for _, a := range actions {
		if !filter.match(a.Flag) {
			d.setCursor(idx, a.ID)
			continue
		}
		if err := d.postAction(ctx, hook, a); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "action", a.ID, "error", err)
			return
		}
		d.setCursor(idx, a.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func (d *webhookDispatcher) postAction(ctx context.Context, hook config.WebhookConfig, a domain.Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: hook.TimeoutDuration()}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Todo-Flag", string(a.Flag))
	req.Header.Set("X-Todo-Delivery", fmt.Sprintf("%d", a.ID))
	if a.OpID != "" {
		req.Header.Set("X-Todo-Op", a.OpID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Todo-Signature", signPayload(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// signPayload returns "sha256=<hex hmac>" of body keyed by secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type flagFilter struct {
	all bool
	set map[domain.Flag]struct{}
}

func newFlagFilter(flags []string) flagFilter {
	set := make(map[domain.Flag]struct{}, len(flags))
	for _, f := range flags {
		key := strings.TrimSpace(f)
		if key == "" {
			continue
		}
		set[domain.Flag(key)] = struct{}{}
	}
	if len(set) == 0 {
		return flagFilter{all: true}
	}
	return flagFilter{set: set}
}

func (f flagFilter) match(flag domain.Flag) bool {
	if f.all {
		return true
	}
	_, ok := f.set[flag]
	return ok
}

// StartWebhooks delivers actions recorded from now on to the active hooks
// until ctx is done.
func StartWebhooks(ctx context.Context, e engine.Engine, hooks []config.WebhookConfig, logger *slog.Logger) {
	startWebhookDispatcher(ctx, e, hooks, logger)
}
