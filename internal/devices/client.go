package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hearthd/hearth/internal/httpkit"
)

// Client is a REST implementation of Controller.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST device controller client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger.With("component", "devices"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

// registryEntry is the wire shape of an entity registry row.
type registryEntry struct {
	EntityID   string `json:"entity_id"`
	Name       string `json:"name"`
	AreaID     string `json:"area_id"`
	DisabledBy string `json:"disabled_by"`
}

// Ping checks if the platform API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	return c.get(ctx, "/api/", &status)
}

// ListEntities returns registry entities matching the filter, sorted by
// entity id so callers get a deterministic catalog.
func (c *Client) ListEntities(ctx context.Context, filter Filter) ([]Entity, error) {
	var entries []registryEntry
	if err := c.get(ctx, "/api/config/entity_registry/list", &entries); err != nil {
		return nil, fmt.Errorf("entity registry: %w", err)
	}

	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, fmt.Errorf("states: %w", err)
	}
	current := make(map[string]State, len(states))
	for _, s := range states {
		current[s.EntityID] = s
	}

	var entities []Entity
	for _, e := range entries {
		if e.DisabledBy != "" {
			continue
		}
		domain := EntityDomain(e.EntityID)
		if filter.Domain != "" && domain != filter.Domain {
			continue
		}
		if filter.Area != "" && !strings.EqualFold(e.AreaID, filter.Area) {
			continue
		}
		ent := Entity{
			EntityID: e.EntityID,
			Name:     e.Name,
			Area:     e.AreaID,
			Domain:   domain,
		}
		if st, ok := current[e.EntityID]; ok {
			ent.State = st.State
			if ent.Name == "" {
				ent.Name = st.FriendlyName()
			}
		}
		if ent.Name == "" {
			ent.Name = e.EntityID
		}
		entities = append(entities, ent)
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].EntityID < entities[j].EntityID
	})
	return entities, nil
}

// GetState returns the live state of one entity.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+entityID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// InvokeAction applies an action to one or more entities. All entities
// must share a domain; the platform routes the call from there.
func (c *Client) InvokeAction(ctx context.Context, entityIDs []string, action string, params map[string]any) (*Outcome, error) {
	if len(entityIDs) == 0 {
		return nil, fmt.Errorf("no entities given")
	}
	domain := EntityDomain(entityIDs[0])
	if domain == "" {
		return nil, fmt.Errorf("invalid entity id %q", entityIDs[0])
	}
	for _, id := range entityIDs[1:] {
		if EntityDomain(id) != domain {
			return nil, fmt.Errorf("mixed domains in one action: %s vs %s", entityIDs[0], id)
		}
	}

	data := map[string]any{"entity_id": entityIDs}
	for k, v := range params {
		data[k] = v
	}

	path := fmt.Sprintf("/api/services/%s/%s", domain, action)
	if err := c.post(ctx, path, data, nil); err != nil {
		return nil, err
	}

	c.logger.Debug("action invoked", "action", action, "domain", domain, "entities", len(entityIDs))
	return &Outcome{
		Entities: entityIDs,
		Message:  fmt.Sprintf("%s.%s applied to %s", domain, action, strings.Join(entityIDs, ", ")),
	}, nil
}

// get performs a GET request against the platform API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// post performs a POST request against the platform API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
