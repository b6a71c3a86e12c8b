package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testClient points a Client with a pre-set token at a mock Helix server.
func testClient(serverURL string) *Client {
	c := NewClient(&TokenManager{
		ClientID: "cid",
		token:    "tok",
		expiry:   time.Now().Add(time.Hour),
		loaded:   true,
	})
	c.BaseURL = serverURL
	return c
}

func TestLiveStreamsBatching(t *testing.T) {
	var batches [][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Client-Id"); got != "cid" {
			t.Errorf("Client-Id = %q, want cid", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		batches = append(batches, r.URL.Query()["user_login"])
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer server.Close()

	names := make([]string, 250)
	for i := range names {
		names[i] = fmt.Sprintf("streamer%03d", i)
	}

	c := testClient(server.URL)
	if _, err := c.LiveStreams(context.Background(), names); err != nil {
		t.Fatalf("LiveStreams() error = %v", err)
	}

	if len(batches) != 3 {
		t.Fatalf("got %d queries for 250 names, want 3", len(batches))
	}
	wantSizes := []int{100, 100, 50}
	total := 0
	for i, batch := range batches {
		if len(batch) != wantSizes[i] {
			t.Errorf("batch %d has %d names, want %d", i, len(batch), wantSizes[i])
		}
		total += len(batch)
	}
	if total != 250 {
		t.Errorf("batches cover %d names, want 250", total)
	}
}

func TestLiveStreamsMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{
				"user_name":     "스트리머 Alice",
				"game_id":       "509658",
				"thumbnail_url": "https://cdn.example/live_alice-{width}x{height}.jpg",
				"type":          "live",
				"title":         "speedrun",
				"viewer_count":  321,
				"started_at":    "2026-03-01T18:00:00Z",
			}},
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	streams, err := c.LiveStreams(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatalf("LiveStreams() error = %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	s := streams[0]
	if s.Name != "스트리머Alice" {
		t.Errorf("Name = %q, spaces must be stripped", s.Name)
	}
	if s.ThumbnailURL != "https://cdn.example/live_alice-1280x720.jpg" {
		t.Errorf("ThumbnailURL = %q, size placeholder must be filled", s.ThumbnailURL)
	}
	if s.GameID != "509658" || s.Type != "live" || s.Title != "speedrun" || s.Viewers != 321 {
		t.Errorf("unexpected stream fields: %+v", s)
	}
	want := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	if !s.StartedAt.Equal(want) {
		t.Errorf("StartedAt = %v, want %v", s.StartedAt, want)
	}
}

func TestLiveStreamsErrorPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":   "Too Many Requests",
			"status":  429,
			"message": "rate limit exceeded",
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	_, err := c.LiveStreams(context.Background(), []string{"alice"})
	if err == nil {
		t.Fatal("LiveStreams() returned nil error on 429 payload")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}
	if !IsRateLimited(err) {
		t.Errorf("IsRateLimited(%v) = false, want true", err)
	}
}

func TestIsRateLimitedOtherErrors(t *testing.T) {
	if IsRateLimited(errors.New("connection refused")) {
		t.Error("plain error classified as rate limited")
	}
	notThrottle := &APIError{ErrorText: "Unauthorized", Status: 401, Message: "invalid token"}
	if IsRateLimited(notThrottle) {
		t.Error("401 classified as rate limited")
	}
}

func TestGames(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "1", "name": "Tetris", "box_art_url": "https://cdn.example/tetris-{width}x{height}.jpg"},
				{"id": "2", "name": "Chess", "box_art_url": "https://cdn.example/chess-{width}x{height}.jpg"},
			},
		})
	}))
	defer server.Close()

	c := testClient(server.URL)
	games, err := c.Games(context.Background(), []string{"1", "2"})
	if err != nil {
		t.Fatalf("Games() error = %v", err)
	}
	if len(games) != 2 {
		t.Fatalf("got %d games, want 2", len(games))
	}
	if games["1"].Name != "Tetris" || games["2"].Name != "Chess" {
		t.Errorf("unexpected games map: %+v", games)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		n     int
		items int
		want  []int
	}{
		{n: 100, items: 0, want: nil},
		{n: 100, items: 1, want: []int{1}},
		{n: 100, items: 100, want: []int{100}},
		{n: 100, items: 101, want: []int{100, 1}},
		{n: 100, items: 250, want: []int{100, 100, 50}},
	}
	for _, tt := range tests {
		items := make([]string, tt.items)
		got := chunk(items, tt.n)
		if len(got) != len(tt.want) {
			t.Errorf("chunk(%d, %d) = %d chunks, want %d", tt.items, tt.n, len(got), len(tt.want))
			continue
		}
		for i, c := range got {
			if len(c) != tt.want[i] {
				t.Errorf("chunk(%d, %d)[%d] has %d items, want %d", tt.items, tt.n, i, len(c), tt.want[i])
			}
		}
	}
}

func TestThumbnail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("imagebytes"))
	}))
	defer server.Close()

	c := testClient(server.URL)
	img, err := c.Thumbnail(context.Background(), server.URL+"/thumb.jpg")
	if err != nil {
		t.Fatalf("Thumbnail() error = %v", err)
	}
	if string(img) != "imagebytes" {
		t.Errorf("Thumbnail() = %q", img)
	}
}
