package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-session/internal/config"
	"github.com/example/ride-session/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	keys     []string
	names    []string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.keys = append(f.keys, key)
	f.names = append(f.names, loc.Name)
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	p := models.DriverPosition{UID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", p, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	p := models.DriverPosition{UID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}}
	if err := updateRedisWithRetry(context.Background(), f, "drivers_geo", p, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestDecodePosition(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{`{"uid":"d1","loc":{"lat":1,"lon":2}}`, true},
		{`{"loc":{"lat":1,"lon":2}}`, false},
		{`{"uid":"d1","loc":{"lat":91,"lon":2}}`, false},
		{`not json`, false},
	}
	for _, c := range cases {
		_, err := decodePosition([]byte(c.in))
		if (err == nil) != c.ok {
			t.Fatalf("%s: err=%v", c.in, err)
		}
		if err != nil && !errors.Is(err, models.ErrMalformedPayload) {
			t.Fatalf("%s: not malformed: %v", c.in, err)
		}
	}
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsInvalid(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte(`{"uid":"d1","loc":{"lat":1,"lon":2}}`)},
		{Value: []byte(`garbage`)},
		{Value: []byte(`{"uid":"d2","loc":{"lat":3,"lon":4}}`)},
	}}
	f := &fakeUpdater{}
	cfg := config.FeedConfig{RedisGeoKey: "geo", MaxRetries: 1, RetryBackoff: time.Millisecond}
	consume(ctx, r, f, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if len(f.names) != 2 || f.names[1] != "d2" || f.keys[0] != "geo" {
		t.Fatalf("names=%v keys=%v", f.names, f.keys)
	}
}
