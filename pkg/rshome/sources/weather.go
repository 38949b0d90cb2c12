// Package sources holds the data adapters the assistant can consult while
// answering: weather, news feeds, vehicle telemetry and web search. Every
// call is a single request/parse unit and fails independently.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

const (
	defaultWeatherURL  = "https://api.openweathermap.org/data/2.5"
	maxLocationLength  = 100
	defaultHTTPTimeout = 15 * time.Second
)

// Weather queries OpenWeatherMap for current conditions and forecasts.
type Weather struct {
	BaseURL  string
	APIKey   string
	Location *time.Location

	client *http.Client
	logger *slog.Logger
}

// NewWeather creates a weather adapter using the given API key.
func NewWeather(apiKey string, logger *slog.Logger) *Weather {
	if logger == nil {
		logger = slog.Default()
	}
	return &Weather{
		BaseURL:  defaultWeatherURL,
		APIKey:   apiKey,
		Location: time.Local,
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		logger:   logger.With("component", "weather"),
	}
}

type weatherInfo struct {
	Description string `json:"description"`
}

type mainWeather struct {
	Temp      float64 `json:"temp"`
	FeelsLike float64 `json:"feels_like"`
	Humidity  int     `json:"humidity"`
}

type currentResponse struct {
	Name    string        `json:"name"`
	Weather []weatherInfo `json:"weather"`
	Main    mainWeather   `json:"main"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Sys struct {
		Country string `json:"country"`
		Sunrise int64  `json:"sunrise"`
		Sunset  int64  `json:"sunset"`
	} `json:"sys"`
}

type forecastResponse struct {
	List []struct {
		DT      int64         `json:"dt"`
		Main    mainWeather   `json:"main"`
		Weather []weatherInfo `json:"weather"`
	} `json:"list"`
	City struct {
		Name string `json:"name"`
	} `json:"city"`
}

// Current returns a German one-line summary of the current weather.
func (w *Weather) Current(ctx context.Context, location string) (string, error) {
	if err := validateLocation(location); err != nil {
		return "", err
	}
	w.logger.Info("fetching current weather", "location", location)

	var resp currentResponse
	if err := w.get(ctx, "weather", location, &resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return "", fmt.Errorf("weather API returned no data for %q", location)
	}

	sunrise := time.Unix(resp.Sys.Sunrise, 0).In(w.loc())
	sunset := time.Unix(resp.Sys.Sunset, 0).In(w.loc())
	return fmt.Sprintf("Aktuelles Wetter in %s, %s: %s, %g°C (gefühlt %g°C), Luftfeuchtigkeit: %d%%, Wind: %g m/s, Sonnenaufgang: %s, Sonnenuntergang: %s",
		resp.Name, resp.Sys.Country, firstDescription(resp.Weather),
		resp.Main.Temp, resp.Main.FeelsLike, resp.Main.Humidity, resp.Wind.Speed,
		sunrise.Format("15:04"), sunset.Format("15:04"),
	), nil
}

// Forecast returns a thinned-out five day forecast, one entry per line.
func (w *Weather) Forecast(ctx context.Context, location string) (string, error) {
	if err := validateLocation(location); err != nil {
		return "", err
	}
	w.logger.Info("fetching weather forecast", "location", location)

	var resp forecastResponse
	if err := w.get(ctx, "forecast", location, &resp); err != nil {
		return "", err
	}

	var lines []string
	last := len(resp.List) - 1
	for i, f := range resp.List {
		if i != 0 && i != last && i%3 != 0 {
			continue
		}
		at := time.Unix(f.DT, 0).In(w.loc())
		lines = append(lines, fmt.Sprintf("%s: %s, %g°C", germanDateTime(at), firstDescription(f.Weather), f.Main.Temp))
	}
	return strings.Join(lines, "\n"), nil
}

func (w *Weather) get(ctx context.Context, endpoint, location string, out any) error {
	q := url.Values{}
	q.Set("q", location)
	q.Set("appid", w.APIKey)
	q.Set("units", "metric")
	q.Set("lang", "de")
	reqURL := strings.TrimRight(w.BaseURL, "/") + "/" + endpoint + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return w.apiError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return w.apiError(resp.StatusCode, body)
	}
	return nil
}

// apiError extracts OpenWeatherMap's {cod, message} error body.
func (w *Weather) apiError(status int, body []byte) error {
	var e struct {
		Cod     any    `json:"cod"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Message == "" {
		w.logger.Error("unparseable weather API response", "status", status, "body", string(body))
		return fmt.Errorf("unknown error from weather API (status %d)", status)
	}
	w.logger.Error("weather API error", "code", e.Cod, "message", e.Message)
	return fmt.Errorf("weather API error: %s", e.Message)
}

func (w *Weather) loc() *time.Location {
	if w.Location == nil {
		return time.Local
	}
	return w.Location
}

func validateLocation(location string) error {
	if strings.TrimSpace(location) == "" {
		return faults.Invalid("location must not be empty")
	}
	if utf8.RuneCountInString(location) > maxLocationLength {
		return faults.Invalid("location must not exceed %d characters", maxLocationLength)
	}
	return nil
}

func firstDescription(w []weatherInfo) string {
	if len(w) == 0 {
		return ""
	}
	return w[0].Description
}

var germanWeekdays = [...]string{"Sonntag", "Montag", "Dienstag", "Mittwoch", "Donnerstag", "Freitag", "Samstag"}

func germanDateTime(t time.Time) string {
	return fmt.Sprintf("%s %d.%d.%d %s Uhr", germanWeekdays[t.Weekday()], t.Day(), int(t.Month()), t.Year(), t.Format("15:04"))
}
