package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/store"
)

const reminderPrefix = "reminder/"

// Reminder is a pending note for the user. Reading it through the
// deliver_reminder tool consumes it: delivery is a non-idempotent read.
type Reminder struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	CreatedAt   time.Time  `json:"created_at"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Reminders is the reminder store over the generic Store capability.
type Reminders struct {
	persist store.Store
}

// NewReminders creates a reminder store.
func NewReminders(persist store.Store) *Reminders {
	return &Reminders{persist: persist}
}

// Add stores a new pending reminder and returns its id.
func (r *Reminders) Add(ctx context.Context, text string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate reminder id: %w", err)
	}
	rem := Reminder{ID: id.String(), Text: text, CreatedAt: time.Now()}
	data, err := json.Marshal(rem)
	if err != nil {
		return "", fmt.Errorf("marshal reminder: %w", err)
	}
	if err := r.persist.Put(ctx, reminderPrefix+rem.ID, data); err != nil {
		return "", fmt.Errorf("store reminder: %w", err)
	}
	return rem.ID, nil
}

// Pending returns undelivered reminders, oldest first.
func (r *Reminders) Pending(ctx context.Context) ([]Reminder, error) {
	keys, err := r.persist.List(ctx, reminderPrefix)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	var pending []Reminder
	for _, key := range keys {
		data, err := r.persist.Get(ctx, key)
		if err != nil {
			continue
		}
		var rem Reminder
		if err := json.Unmarshal(data, &rem); err != nil {
			continue
		}
		if !rem.Delivered {
			pending = append(pending, rem)
		}
	}
	return pending, nil
}

// markDelivered flags a reminder as delivered.
func (r *Reminders) markDelivered(ctx context.Context, rem Reminder) error {
	now := time.Now()
	rem.Delivered = true
	rem.DeliveredAt = &now
	data, err := json.Marshal(rem)
	if err != nil {
		return fmt.Errorf("marshal reminder: %w", err)
	}
	return r.persist.Put(ctx, reminderPrefix+rem.ID, data)
}

// RegisterReminderTools adds reminder capabilities. deliver_reminder is
// a non-idempotent read: it marks reminders delivered — except under a
// dry-run context, where it reads without consuming so background cache
// warming never swallows a pending reminder.
func RegisterReminderTools(r *Registry, reminders *Reminders) {
	r.Register(&Tool{
		Name:        "add_reminder",
		Description: "Store a reminder to deliver to the user later.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "What to remind the user about",
				},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			if strings.TrimSpace(text) == "" {
				return "", fmt.Errorf("reminder text is empty")
			}
			if _, err := reminders.Add(ctx, text); err != nil {
				return "", err
			}
			return "reminder saved", nil
		},
	})

	r.Register(&Tool{
		Name:        "deliver_reminder",
		Description: "Fetch pending reminders for the user. Delivering a reminder consumes it; it will not be shown again.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			pending, err := reminders.Pending(ctx)
			if err != nil {
				return "", err
			}
			if len(pending) == 0 {
				return "no pending reminders", nil
			}
			var sb strings.Builder
			for _, rem := range pending {
				fmt.Fprintf(&sb, "- %s\n", rem.Text)
				if !IsDryRun(ctx) {
					if err := reminders.markDelivered(ctx, rem); err != nil {
						return "", fmt.Errorf("mark reminder delivered: %w", err)
					}
				}
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	})
}
