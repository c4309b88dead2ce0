// Package ingress implements the inbound HTTP surface of spec §6: push
// webhooks for WebScrobbler, Plex, Tautulli, and Jellyfin, plus OAuth
// callback routes for sources/clients whose doAuthenticate stage
// requires browser interaction. It is grounded on the pack's
// arung-agamani-denpa-radio handler layer (gin.Context-method handler
// structs, gin.H{"status": ...} JSON envelopes, SecurityHeadersMiddleware)
// even though that repo's own wired server uses net/http directly — its
// handler/middleware package is the gin usage this module generalizes.
package ingress

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/multiscrobbler/multiscrobbler/internal/play"
)

// Ingestor is the subset of source.Source a webhook route needs: push a
// parsed Play into the discovery dedup path.
type Ingestor interface {
	Ingest(p play.Play) (bool, error)
}

// ProgressIngestor is the subset of source.Memory a progress route
// needs: feed an incremental playback report and let the Memory
// extension decide when the scrobble threshold has been crossed (spec
// §4.3 "Memory source extension").
type ProgressIngestor interface {
	UpdateProgress(deviceID, user string, p play.Play, progress time.Duration, playing bool) (bool, error)
}

// Confirmer completes an interactive OAuth handshake once the user has
// authorized in their browser (lastfmclient.ConfirmAuth and similar).
type Confirmer interface {
	ConfirmAuth(ctx context.Context) error
}

// Router wires the spec §6 HTTP surface. Sources register themselves by
// (kind, slug); kind is the webhook family ("webscrobbler", "plex",
// "tautulli", "jellyfin"), slug is the optional per-instance suffix the
// slug-match rule operates on.
type Router struct {
	logger *slog.Logger

	mu        sync.RWMutex
	sources   map[string]map[string]Ingestor         // kind -> slug -> source ("" slug = unslugged)
	progress  map[string]map[string]ProgressIngestor // kind -> slug -> Memory
	callbacks map[string]Confirmer                   // service -> confirmer
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:    logger,
		sources:   make(map[string]map[string]Ingestor),
		progress:  make(map[string]map[string]ProgressIngestor),
		callbacks: make(map[string]Confirmer),
	}
}

// RegisterSource mounts src to answer kind's webhook route at slug (""
// for the unslugged path).
func (rt *Router) RegisterSource(kind, slug string, src Ingestor) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sources[kind] == nil {
		rt.sources[kind] = make(map[string]Ingestor)
	}
	rt.sources[kind][slug] = src
}

// RegisterProgress mounts mem to answer kind's progress route at slug,
// alongside src's webhook route (spec §4.3: a push source that reports
// incremental progress registers both).
func (rt *Router) RegisterProgress(kind, slug string, mem ProgressIngestor) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.progress[kind] == nil {
		rt.progress[kind] = make(map[string]ProgressIngestor)
	}
	rt.progress[kind][slug] = mem
}

// RegisterCallback mounts a Confirmer at /:service/callback.
func (rt *Router) RegisterCallback(service string, c Confirmer) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.callbacks[service] = c
}

// resolve implements the spec §6 slug-match rule: an unslugged source
// only answers an unslugged request; a slugged source requires exact
// equality.
func (rt *Router) resolve(kind, slug string) (Ingestor, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	bySlug, ok := rt.sources[kind]
	if !ok {
		return nil, false
	}
	src, ok := bySlug[slug]
	return src, ok
}

func (rt *Router) resolveProgress(kind, slug string) (ProgressIngestor, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	bySlug, ok := rt.progress[kind]
	if !ok {
		return nil, false
	}
	mem, ok := bySlug[slug]
	return mem, ok
}

// Engine builds the gin.Engine serving every route in spec §6.
func (rt *Router) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), securityHeadersMiddleware(), requestLogMiddleware(rt.logger))

	e.POST("/api/webscrobbler", rt.handleWebhook("webscrobbler", ""))
	e.POST("/api/webscrobbler/:slug", func(c *gin.Context) {
		rt.handleWebhook("webscrobbler", c.Param("slug"))(c)
	})
	e.POST("/plex", rt.handleWebhook("plex", ""))
	e.POST("/tautulli", rt.handleWebhook("tautulli", ""))
	e.POST("/jellyfin", rt.handleWebhook("jellyfin", ""))
	e.POST("/api/progress/:kind", func(c *gin.Context) {
		rt.handleProgress(c.Param("kind"), "")(c)
	})
	e.POST("/api/progress/:kind/:slug", func(c *gin.Context) {
		rt.handleProgress(c.Param("kind"), c.Param("slug"))(c)
	})
	e.POST("/:service/callback", rt.handleCallback)

	return e
}

// handleWebhook parses the request body with kind's parser and hands the
// resulting Play to the matching registered source.
func (rt *Router) handleWebhook(kind, slugFromRoute string) gin.HandlerFunc {
	return func(c *gin.Context) {
		slug := slugFromRoute
		src, ok := rt.resolve(kind, slug)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "no source configured for this path"})
			return
		}

		parser, ok := parsers[kind]
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "no parser registered for kind"})
			return
		}

		p, err := parser(c.Request)
		if err != nil {
			if rt.logger != nil {
				rt.logger.Warn("ingress: malformed webhook payload", "kind", kind, "slug", slug, "error", err)
			}
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "malformed payload"})
			return
		}

		accepted, err := src.Ingest(p)
		if err != nil {
			if rt.logger != nil {
				rt.logger.Error("ingress: ingest failed", "kind", kind, "slug", slug, "error", err)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "ingest failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": accepted})
	}
}

// progressPayload is the generic incremental-playback report accepted
// at /api/progress/:kind[/:slug], independent of the completed-listen
// webhook formats each kind's own parser handles: a push source that
// reports mid-playback progress (Jellyfin's "Playback Progress"
// notification, Plex's "media.play"/"media.pause" with viewOffset, a
// Cast/VLC bridge) posts here instead, and source.Memory decides when
// the scrobble threshold is crossed.
type progressPayload struct {
	DeviceID        string  `json:"deviceId"`
	User            string  `json:"user"`
	Track           string  `json:"track"`
	Artist          string  `json:"artist"`
	Album           string  `json:"album"`
	DurationSeconds float64 `json:"durationSeconds"`
	PositionSeconds float64 `json:"positionSeconds"`
	Playing         bool    `json:"playing"`
}

func (rt *Router) handleProgress(kind, slugFromRoute string) gin.HandlerFunc {
	return func(c *gin.Context) {
		mem, ok := rt.resolveProgress(kind, slugFromRoute)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "no progress tracker configured for this path"})
			return
		}

		var body progressPayload
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "malformed payload"})
			return
		}
		if body.Track == "" || body.Artist == "" {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "missing track or artist"})
			return
		}

		p := play.Play{
			Track:         body.Track,
			Artists:       []string{body.Artist},
			Album:         body.Album,
			Duration:      time.Duration(body.DurationSeconds * float64(time.Second)),
			PlayDate:      time.Now(),
			User:          body.User,
			DeviceID:      body.DeviceID,
			NewFromSource: true,
		}.Normalize()

		accepted, err := mem.UpdateProgress(body.DeviceID, body.User, p, time.Duration(body.PositionSeconds*float64(time.Second)), body.Playing)
		if err != nil {
			if rt.logger != nil {
				rt.logger.Error("ingress: progress update failed", "kind", kind, "slug", slugFromRoute, "error", err)
			}
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "progress update failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "ok", "accepted": accepted})
	}
}

func (rt *Router) handleCallback(c *gin.Context) {
	service := c.Param("service")
	rt.mu.RLock()
	confirmer, ok := rt.callbacks[service]
	rt.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "unknown service"})
		return
	}

	if err := confirmer.ConfirmAuth(c.Request.Context()); err != nil {
		if rt.logger != nil {
			rt.logger.Warn("ingress: auth confirmation failed", "service", service, "error", err)
		}
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "authentication failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func requestLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if logger != nil {
			logger.Debug("ingress: request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
		}
	}
}
