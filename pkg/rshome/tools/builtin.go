package tools

import (
	"context"
	"fmt"
	"strings"
)

// Built-in tool names.
const (
	NameCurrentWeather  = "get_current_weather"
	NameWeatherForecast = "get_weather_forecast"
	NameHeadlines       = "get_headlines"
	NameVehicleStatus   = "get_vehicle_status"
	NameWebSearch       = "web_search"
)

// WeatherSource provides weather reports for a location.
type WeatherSource interface {
	Current(ctx context.Context, location string) (string, error)
	Forecast(ctx context.Context, location string) (string, error)
}

// HeadlineSource provides news headlines.
type HeadlineSource interface {
	Headlines(ctx context.Context, source string, count int) (string, error)
	Sources() []string
}

// VehicleSource provides the vehicle status.
type VehicleSource interface {
	VehicleStatus(ctx context.Context) (string, error)
}

// SearchSource provides web search results.
type SearchSource interface {
	Search(ctx context.Context, query string, count int) (string, error)
}

// Sources are the adapters backing the built-in tools. Nil fields leave the
// matching tools unregistered.
type Sources struct {
	Weather   WeatherSource
	Headlines HeadlineSource
	Vehicle   VehicleSource
	Search    SearchSource
}

type locationArgs struct {
	Location string `json:"location" jsonschema:"city name, optionally followed by a country code, e.g. Berlin,DE"`
}

type headlineArgs struct {
	Source string `json:"source" jsonschema:"news source to read"`
	Count  int    `json:"count,omitempty" jsonschema:"number of headlines, default 5"`
}

type noArgs struct{}

type searchArgs struct {
	Query string `json:"query" jsonschema:"search query"`
	Count int    `json:"count,omitempty" jsonschema:"number of results, default 5"`
}

// RegisterBuiltins registers a tool for every configured source.
func RegisterBuiltins(r *Registry, src Sources) error {
	var list []Tool
	add := func(t Tool, err error) error {
		if err != nil {
			return err
		}
		list = append(list, t)
		return nil
	}

	if src.Weather != nil {
		w := src.Weather
		if err := add(New(NameCurrentWeather, "Get the current weather for a location.",
			func(ctx context.Context, a locationArgs) (string, error) { return w.Current(ctx, a.Location) })); err != nil {
			return err
		}
		if err := add(New(NameWeatherForecast, "Get the weather forecast of the next days for a location.",
			func(ctx context.Context, a locationArgs) (string, error) { return w.Forecast(ctx, a.Location) })); err != nil {
			return err
		}
	}
	if src.Headlines != nil {
		h := src.Headlines
		desc := fmt.Sprintf("Get the latest news headlines. Available sources: %s.", strings.Join(h.Sources(), ", "))
		if err := add(New(NameHeadlines, desc,
			func(ctx context.Context, a headlineArgs) (string, error) { return h.Headlines(ctx, a.Source, a.Count) })); err != nil {
			return err
		}
	}
	if src.Vehicle != nil {
		v := src.Vehicle
		if err := add(New(NameVehicleStatus, "Get charge level, charging state, door locks, connectivity and range of the car.",
			func(ctx context.Context, _ noArgs) (string, error) { return v.VehicleStatus(ctx) })); err != nil {
			return err
		}
	}
	if src.Search != nil {
		s := src.Search
		if err := add(New(NameWebSearch, "Search the web. Returns titles, URLs and descriptions.",
			func(ctx context.Context, a searchArgs) (string, error) { return s.Search(ctx, a.Query, a.Count) })); err != nil {
			return err
		}
	}

	for _, t := range list {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
