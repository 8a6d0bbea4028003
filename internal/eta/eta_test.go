package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/campus-rides/internal/models"
)

type fixedClient struct {
	v     float64
	err   error
	calls int
}

func (f *fixedClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

var (
	hostel = models.Coord{Lat: 13.0108, Lng: 80.2354}
	campus = models.Coord{Lat: 13.0067, Lng: 80.2206}
)

func TestStraightUsesDistanceOverSpeed(t *testing.T) {
	v, _ := Straight{SpeedMps: 10}.EstimateSeconds(context.Background(), hostel, campus)
	if v < 150 || v > 180 {
		t.Fatalf("expected ~166s for ~1.66km at 10 m/s, got %.1f", v)
	}
}

func TestCachedPrefersCacheThenPrimary(t *testing.T) {
	primary := &fixedClient{v: 300}
	c := &Cached{Primary: primary, Fallback: Straight{}, Cache: NewCache(time.Minute)}
	for i := 0; i < 3; i++ {
		v, err := c.EstimateSeconds(context.Background(), hostel, campus)
		if err != nil || v != 300 {
			t.Fatalf("expected 300, got %v err=%v", v, err)
		}
	}
	if primary.calls != 1 {
		t.Fatalf("expected one primary call, got %d", primary.calls)
	}
}

func TestCachedFallsBackOnPrimaryError(t *testing.T) {
	fallback := &fixedClient{v: 42}
	c := &Cached{Primary: &fixedClient{err: errors.New("down")}, Fallback: fallback}
	v, err := c.EstimateSeconds(context.Background(), hostel, campus)
	if err != nil || v != 42 || fallback.calls != 1 {
		t.Fatalf("expected fallback 42, got %v err=%v", v, err)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set(hostel, campus, 10)
	now = now.Add(2 * time.Second)
	if _, ok := c.Get(hostel, campus); ok {
		t.Fatalf("expected expired entry")
	}
}

func TestOSRMClientParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := fmt.Sprintf("/route/v1/driving/%.6f,%.6f;%.6f,%.6f", hostel.Lng, hostel.Lat, campus.Lng, campus.Lat)
		if r.URL.Path != want {
			http.Error(w, "bad path "+r.URL.Path, 400)
			return
		}
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":245.5}]}`))
	}))
	defer srv.Close()

	v, err := NewOSRMClient(srv.URL + "/").EstimateSeconds(context.Background(), hostel, campus)
	if err != nil || v != 245.5 {
		t.Fatalf("expected 245.5, got %v err=%v", v, err)
	}
}
