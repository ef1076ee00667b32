package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/hearthd/hearth/internal/devices"
)

// EntityTouch is called after a successful device action so the session
// can remember recently referenced entities. May be nil.
type EntityTouch func(ctx context.Context, entityID, name, action string)

// RegisterDeviceTools adds the device capabilities backed by a
// Controller: state reads, catalog listing, and batched control.
func RegisterDeviceTools(r *Registry, ctrl devices.Controller, touch EntityTouch) {
	r.Register(&Tool{
		Name:        "get_state",
		Description: "Get the current state of an entity. Use this to check whether lights are on, doors are open, current temperatures, and so on.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity ID (e.g., light.kitchen, sensor.outdoor_temp, binary_sensor.front_door)",
				},
			},
			"required": []string{"entity_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			entityID, _ := args["entity_id"].(string)
			state, err := ctrl.GetState(ctx, entityID)
			if err != nil {
				return "", fmt.Errorf("get state of %s: %w", entityID, err)
			}
			return fmt.Sprintf("%s is %s", state.FriendlyName(), state.State), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_entities",
		Description: "List entities, optionally filtered by domain (light, switch, sensor, climate, cover) or area. Use this to discover what is available.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "Domain to filter by (e.g., light, switch, sensor)",
				},
				"area": map[string]any{
					"type":        "string",
					"description": "Area to filter by (e.g., kitchen, bedroom)",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			filter := devices.Filter{}
			if d, ok := args["domain"].(string); ok {
				filter.Domain = d
			}
			if a, ok := args["area"].(string); ok {
				filter.Area = a
			}
			entities, err := ctrl.ListEntities(ctx, filter)
			if err != nil {
				return "", fmt.Errorf("list entities: %w", err)
			}
			if len(entities) == 0 {
				return "no matching entities", nil
			}
			var sb strings.Builder
			for _, e := range entities {
				fmt.Fprintf(&sb, "%s (%s): %s\n", e.EntityID, e.Name, e.State)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	})

	r.Register(&Tool{
		Name:        "control_device",
		Description: "Apply an action to one or more entities of the same domain. Examples: turn lights on or off, lock doors, open covers. Batch related entities into a single call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity_ids": map[string]any{
					"type":        "array",
					"description": "Entity IDs to target, all in the same domain",
					"items":       map[string]any{"type": "string"},
				},
				"action": map[string]any{
					"type":        "string",
					"description": "The action to apply (e.g., turn_on, turn_off, lock, open_cover)",
				},
				"params": map[string]any{
					"type":        "object",
					"description": "Optional action parameters (e.g., brightness, temperature)",
				},
			},
			"required": []string{"entity_ids", "action"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rawIDs, _ := args["entity_ids"].([]any)
			ids := make([]string, 0, len(rawIDs))
			for _, v := range rawIDs {
				if s, ok := v.(string); ok && s != "" {
					ids = append(ids, s)
				}
			}
			if len(ids) == 0 {
				return "", fmt.Errorf("entity_ids must contain at least one entity id")
			}
			action, _ := args["action"].(string)
			params, _ := args["params"].(map[string]any)

			outcome, err := ctrl.InvokeAction(ctx, ids, action, params)
			if err != nil {
				return "", fmt.Errorf("control device: %w", err)
			}
			if touch != nil {
				for _, id := range outcome.Entities {
					touch(ctx, id, id, action)
				}
			}
			return outcome.Message, nil
		},
	})
}
