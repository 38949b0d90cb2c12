package sources

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrensicher/rshome/pkg/rshome/faults"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestWeather(url string) *Weather {
	w := NewWeather("owm-key", discard)
	w.BaseURL = url
	w.Location = time.UTC
	return w
}

func TestWeatherCurrent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/weather", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "Berlin", q.Get("q"))
		assert.Equal(t, "owm-key", q.Get("appid"))
		assert.Equal(t, "metric", q.Get("units"))
		assert.Equal(t, "de", q.Get("lang"))
		w.Write([]byte(`{"name":"Berlin","weather":[{"description":"leichter Regen"}],
			"main":{"temp":12.5,"feels_like":11,"humidity":80},"wind":{"speed":3.6},
			"sys":{"country":"DE","sunrise":1700000000,"sunset":1700030000}}`))
	}))
	defer srv.Close()

	got, err := newTestWeather(srv.URL).Current(context.Background(), "Berlin")
	require.NoError(t, err)
	assert.Equal(t, "Aktuelles Wetter in Berlin, DE: leichter Regen, 12.5°C (gefühlt 11°C), Luftfeuchtigkeit: 80%, Wind: 3.6 m/s, Sonnenaufgang: 22:13, Sonnenuntergang: 06:33", got)
}

func TestWeatherForecastThinsEntries(t *testing.T) {
	t.Parallel()

	// 8 entries: keep 0, 3, 6 and the last (7)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forecast", r.URL.Path)
		var items []string
		base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).Unix()
		for i := 0; i < 8; i++ {
			items = append(items, `{"dt":`+itoa(base+int64(i)*3*3600)+`,"main":{"temp":`+itoa(int64(10+i))+`},"weather":[{"description":"klar"}]}`)
		}
		w.Write([]byte(`{"city":{"name":"Berlin"},"list":[` + strings.Join(items, ",") + `]}`))
	}))
	defer srv.Close()

	got, err := newTestWeather(srv.URL).Forecast(context.Background(), "Berlin")
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"Montag 2.6.2025 00:00 Uhr: klar, 10°C",
		"Montag 2.6.2025 09:00 Uhr: klar, 13°C",
		"Montag 2.6.2025 18:00 Uhr: klar, 16°C",
		"Montag 2.6.2025 21:00 Uhr: klar, 17°C",
	}, "\n"), got)
}

func TestWeatherAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"cod":"404","message":"city not found"}`))
	}))
	defer srv.Close()

	_, err := newTestWeather(srv.URL).Current(context.Background(), "Atlantis")
	require.Error(t, err)
	assert.Equal(t, "weather API error: city not found", err.Error())
}

func TestWeatherValidatesLocation(t *testing.T) {
	t.Parallel()

	w := newTestWeather("http://127.0.0.1:0")
	for _, loc := range []string{"", "   ", strings.Repeat("x", 101)} {
		_, err := w.Current(context.Background(), loc)
		assert.True(t, errors.Is(err, faults.ErrInvalidArgument), "Current(%q) = %v", loc, err)
		_, err = w.Forecast(context.Background(), loc)
		assert.True(t, errors.Is(err, faults.ErrInvalidArgument), "Forecast(%q) = %v", loc, err)
	}
}

const atomFeed = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>heise online</title>
  <entry><title>T1</title><summary>Erste Meldung</summary></entry>
  <entry><title>T2</title><summary>Zweite Meldung</summary></entry>
  <entry><title>T3</title><summary>Dritte Meldung</summary></entry>
</feed>`

const rss091Feed = `<?xml version="1.0" encoding="utf-8"?>
<rss version="0.91">
<channel>
  <title>Der Postillon</title>
  <item><title>Newsticker (1234)</title></item>
  <item><title>Mann findet &amp;quot;Sinn&amp;quot; des Lebens</title></item>
  <item><title>Sonntagsfrage: Wer?</title></item>
  <item><title>Bild des Tages</title></item>
  <item><title>Katze wird Bürgermeisterin</title></item>
</channel>
</rss>`

func TestFeedsHeadlines(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/atom":
			w.Header().Set("Content-Type", "application/atom+xml")
			w.Write([]byte(atomFeed))
		case "/rss":
			w.Header().Set("Content-Type", "application/rss+xml")
			w.Write([]byte(rss091Feed))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	defaults := DefaultFeedSources()
	heise := defaults[SourceHeise]
	heise.URL = srv.URL + "/atom"
	postillon := defaults[SourcePostillon]
	postillon.URL = srv.URL + "/rss"
	feeds := NewFeeds(map[string]FeedSource{SourceHeise: heise, SourcePostillon: postillon}, discard)

	got, err := feeds.Headlines(context.Background(), "heise", 2)
	require.NoError(t, err)
	assert.Equal(t, "Erste Meldung\nZweite Meldung", got)

	got, err = feeds.Headlines(context.Background(), "Postillon", 5)
	require.NoError(t, err)
	assert.Equal(t, "Mann findet \"Sinn\" des Lebens\nKatze wird Bürgermeisterin", got)

	_, err = feeds.Headlines(context.Background(), "bild", 5)
	assert.True(t, errors.Is(err, faults.ErrInvalidArgument))
}

func TestBlacklisted(t *testing.T) {
	t.Parallel()

	words := DefaultFeedSources()[SourcePostillon].Blacklist
	tests := []struct {
		title string
		want  bool
	}{
		{"Newsticker (1891)", true},
		{"Satire DER WOCHE", true},
		{"Sonntagsfrage", true},
		{"Ganz normale Meldung", false},
	}
	for _, tt := range tests {
		if got := blacklisted(tt.title, words); got != tt.want {
			t.Errorf("blacklisted(%q) = %v, want %v", tt.title, got, tt.want)
		}
	}
}

func TestVehicleStatus(t *testing.T) {
	t.Parallel()

	states := map[string]string{
		entityCharge:   "81",
		entityCharging: "charging",
		entityDoorLock: "off",
		entityOnline:   "on",
		entityRange:    "320",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ha-token", r.Header.Get("Authorization"))
		id := strings.TrimPrefix(r.URL.Path, "/api/states/")
		st, ok := states[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"entity_id":"` + id + `","state":"` + st + `"}`))
	}))
	defer srv.Close()

	ha := NewHomeAssistant(srv.URL+"/", "ha-token", discard)
	got, err := ha.VehicleStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Aktuell ist der Akku des Cupra Born bei 81%.\nLade-Status: charging. Türen: verriegelt.\nOnlinestatus: on. Reichweite beträgt 320 km.", got)

	_, err = ha.State(context.Background(), "sensor.missing")
	assert.Error(t, err)
}

func TestWebSearch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "brave-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "go generics", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("count"))
		w.Write([]byte(`{"web":{"results":[
			{"title":"Tutorial","url":"https://go.dev/doc/tutorial/generics","description":"Intro"},
			{"title":"Effective Go","url":"https://go.dev/doc/effective_go","description":"Style guide"},
			{"title":"Extra","url":"https://example.org","description":"ignored"}]}}`))
	}))
	defer srv.Close()

	s := NewWebSearch("brave-key", discard)
	s.BaseURL = srv.URL
	got, err := s.Search(context.Background(), "  go generics ", 2)
	require.NoError(t, err)
	assert.Equal(t, "1. Tutorial\n   https://go.dev/doc/tutorial/generics\n   Intro\n2. Effective Go\n   https://go.dev/doc/effective_go\n   Style guide", got)

	_, err = s.Search(context.Background(), " ", 2)
	assert.True(t, errors.Is(err, faults.ErrInvalidArgument))
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
