package ingress

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

type fakeProgress struct {
	calls []struct {
		deviceID, user string
		p              play.Play
		progress       time.Duration
		playing        bool
	}
	accept bool
}

func (f *fakeProgress) UpdateProgress(deviceID, user string, p play.Play, progress time.Duration, playing bool) (bool, error) {
	f.calls = append(f.calls, struct {
		deviceID, user string
		p              play.Play
		progress       time.Duration
		playing        bool
	}{deviceID, user, p, progress, playing})
	return f.accept, nil
}

func TestHandleProgress_RoutesToRegisteredTracker(t *testing.T) {
	mem := &fakeProgress{accept: true}
	rt := NewRouter(nil)
	rt.RegisterProgress("jellyfin", "", mem)

	body := `{"deviceId":"dev1","user":"alice","track":"Sonora","artist":"The Bongo Hop","durationSeconds":240,"positionSeconds":125,"playing":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/progress/jellyfin", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	rt.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, mem.calls, 1)
	got := mem.calls[0]
	assert.Equal(t, "dev1", got.deviceID)
	assert.Equal(t, "alice", got.user)
	assert.Equal(t, "Sonora", got.p.Track)
	assert.Equal(t, 125*time.Second, got.progress)
	assert.True(t, got.playing)
}

func TestHandleProgress_UnknownPathIsNotFound(t *testing.T) {
	rt := NewRouter(nil)
	req := httptest.NewRequest(http.MethodPost, "/api/progress/jellyfin", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	rt.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleProgress_MissingTrackIsBadRequest(t *testing.T) {
	mem := &fakeProgress{accept: true}
	rt := NewRouter(nil)
	rt.RegisterProgress("jellyfin", "", mem)

	req := httptest.NewRequest(http.MethodPost, "/api/progress/jellyfin", bytes.NewBufferString(`{"user":"alice"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	rt.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, mem.calls)
}
