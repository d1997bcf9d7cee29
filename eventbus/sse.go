package eventbus

import (
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
)

// pingInterval is how long the stream waits with no traffic before sending a
// keepalive ping, per section 4.3.
const pingInterval = 30 * time.Second

// ServeSSE implements the stream protocol from section 4.3 and section 6:
// a single "connected" event on subscribe, then every bus event forwarded
// as-is, with a "ping" keepalive after 30 seconds of silence. The subscriber
// is always unregistered when the handler returns, however it returns.
func (b *Bus) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	if err := writeFrame(w, "connected", map[string]any{}); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeFrame(w, ev.Type, ev.Payload); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(pingInterval)
		case <-ticker.C:
			if err := writeFrame(w, "ping", map[string]any{}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: failed to encode event payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
