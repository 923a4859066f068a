package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Webhook POSTs messages as JSON.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	filter eventFilter
}

// NewWebhook delivers only the listed kinds; none means all.
func NewWebhook(url, secret string, kinds []string) *Webhook {
	return &Webhook{URL: url, Secret: secret, Client: &http.Client{Timeout: defaultTimeout}, filter: newEventFilter(kinds)}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	if !w.filter.match(string(msg.Kind)) {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phaseline-Event", string(msg.Kind))
	req.Header.Set("X-Phaseline-Delivery", uuid.NewString())
	req.Header.Set("X-Phaseline-Issue", msg.IssueID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Phaseline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
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

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(kinds []string) eventFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
