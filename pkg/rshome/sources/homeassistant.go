package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Home Assistant entities of the vehicle.
const (
	entityCharge   = "sensor.cupra_born_state_of_charge"
	entityCharging = "sensor.cupra_born_charging_state"
	entityDoorLock = "binary_sensor.cupra_born_door_lock_status"
	entityOnline   = "binary_sensor.cupra_born_car_is_online"
	entityRange    = "sensor.cupra_born_range_in_kilometers"
)

// HomeAssistant reads entity states over the Home Assistant REST API.
type HomeAssistant struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHomeAssistant creates an adapter for the instance at baseURL.
func NewHomeAssistant(baseURL, token string, logger *slog.Logger) *HomeAssistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &HomeAssistant{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  logger.With("component", "homeassistant"),
	}
}

type entityState struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// State returns the raw state string of one entity.
func (h *HomeAssistant) State(ctx context.Context, entityID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/states/"+entityID, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("home assistant request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("home assistant returned %d for %s: %s", resp.StatusCode, entityID, string(body))
	}

	var st entityState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", fmt.Errorf("parsing state of %s: %w", entityID, err)
	}
	return st.State, nil
}

// VehicleStatus summarises charge, charging state, locks, connectivity and range.
func (h *HomeAssistant) VehicleStatus(ctx context.Context) (string, error) {
	h.logger.Info("fetching vehicle status")

	entities := []string{entityCharge, entityCharging, entityDoorLock, entityOnline, entityRange}
	states := make(map[string]string, len(entities))
	for _, id := range entities {
		st, err := h.State(ctx, id)
		if err != nil {
			return "", err
		}
		states[id] = st
	}

	doors := "entriegelt"
	if states[entityDoorLock] == "off" {
		doors = "verriegelt"
	}
	return fmt.Sprintf("Aktuell ist der Akku des Cupra Born bei %s%%.\nLade-Status: %s. Türen: %s.\nOnlinestatus: %s. Reichweite beträgt %s km.",
		states[entityCharge], states[entityCharging], doors, states[entityOnline], states[entityRange]), nil
}
