package offline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-app views a notification click can route to.
const (
	ViewDashboard    = "/dashboard"
	ViewAssessments  = "/assessments"
	ViewLearningPath = "/learning-path"
	ViewJobs         = "/jobs"
)

// NotificationAction is one button on a displayed notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// NotificationData carries the routing hints of a push payload.
type NotificationData struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

// NotificationPayload is the push payload schema. It is ephemeral: it exists
// only for the duration of displaying and resolving one notification.
type NotificationPayload struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon,omitempty"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
	Data               NotificationData     `json:"data,omitempty"`
}

// DefaultNotificationPayload is the fixed payload merged in when an inbound
// push cannot be parsed or is missing fields.
func DefaultNotificationPayload() NotificationPayload {
	return NotificationPayload{
		Title: "Pathwise",
		Body:  "You have a new update.",
		Icon:  "/icons/icon-192.png",
		Badge: "/icons/badge-72.png",
		Tag:   "pathwise-general",
	}
}

// ParsePushPayload decodes an inbound push payload, merging defaults over
// parse failures and missing fields rather than failing the event. The
// second return reports whether any default was applied.
func ParsePushPayload(raw []byte) (NotificationPayload, bool) {
	defaults := DefaultNotificationPayload()

	var p NotificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return defaults, true
	}

	merged := false
	if p.Title == "" {
		p.Title = defaults.Title
		merged = true
	}
	if p.Body == "" {
		p.Body = defaults.Body
		merged = true
	}
	if p.Icon == "" {
		p.Icon = defaults.Icon
		merged = true
	}
	if p.Badge == "" {
		p.Badge = defaults.Badge
		merged = true
	}
	if p.Tag == "" {
		p.Tag = defaults.Tag
		merged = true
	}
	return p, merged
}

// TargetURL resolves the view a click routes to: an explicit data.url wins,
// else a fixed mapping from data.type, defaulting to the dashboard.
func (p NotificationPayload) TargetURL() string {
	if p.Data.URL != "" {
		return p.Data.URL
	}
	switch p.Data.Type {
	case "assessment":
		return ViewAssessments
	case "learning":
		return ViewLearningPath
	case "job":
		return ViewJobs
	default:
		return ViewDashboard
	}
}

// Window is an open application window the notifier can focus.
type Window interface {
	ID() string
	Location() string
	Focus() error
}

// WindowOpener enumerates open application windows and opens new ones. The
// hosting application provides the implementation.
type WindowOpener interface {
	Windows() []Window
	Open(url string) (Window, error)
}

// Notification is one visible notification.
type Notification struct {
	ID      string              `json:"id"`
	Payload NotificationPayload `json:"payload"`
	ShownAt time.Time           `json:"shown_at"`
}

// Notifier converts push payloads into visible notifications and routes
// clicks back into the hosting application.
type Notifier struct {
	windows WindowOpener
	log     *slog.Logger
	stats   *EngineStats

	mu      sync.Mutex
	visible map[string]*Notification // keyed by tag
}

// NewNotifier creates a notification dispatcher.
func NewNotifier(windows WindowOpener, log *slog.Logger, stats *EngineStats) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		windows: windows,
		log:     log,
		stats:   stats,
		visible: make(map[string]*Notification),
	}
}

// HandlePush parses an inbound push payload and displays it.
func (n *Notifier) HandlePush(raw []byte) *Notification {
	payload, merged := ParsePushPayload(raw)
	if n.stats != nil {
		n.stats.PushesReceived.Add(1)
		if merged {
			n.stats.MalformedPushes.Add(1)
		}
	}
	if merged {
		n.log.Warn("push payload incomplete, defaults merged", "tag", payload.Tag)
	}
	return n.Show(payload)
}

// Show displays a notification. Payloads sharing a tag collapse into a
// single visible notification, last write wins.
func (n *Notifier) Show(p NotificationPayload) *Notification {
	notif := &Notification{
		ID:      uuid.NewString(),
		Payload: p,
		ShownAt: time.Now(),
	}

	n.mu.Lock()
	n.visible[p.Tag] = notif
	n.mu.Unlock()

	return notif
}

// Visible returns the currently displayed notifications.
func (n *Notifier) Visible() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Notification, 0, len(n.visible))
	for _, notif := range n.visible {
		out = append(out, *notif)
	}
	return out
}

// Click dismisses the notification with the given tag and routes to its
// target view: an already-open window whose location matches is focused,
// otherwise a new window opens. This prevents duplicate tabs for the same
// destination.
func (n *Notifier) Click(tag string) error {
	n.mu.Lock()
	notif, ok := n.visible[tag]
	if ok {
		delete(n.visible, tag)
	}
	n.mu.Unlock()

	if !ok {
		return fmt.Errorf("no visible notification with tag %q", tag)
	}

	target := notif.Payload.TargetURL()
	for _, w := range n.windows.Windows() {
		if strings.Contains(w.Location(), target) {
			if err := w.Focus(); err != nil {
				return fmt.Errorf("failed to focus window %s: %w", w.ID(), err)
			}
			return nil
		}
	}

	if _, err := n.windows.Open(target); err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	return nil
}
