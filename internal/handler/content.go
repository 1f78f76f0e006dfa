package handler

import (
	"bufio"
	"errors"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/middleware"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/resolver"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/pkg/response"
)

// proxyHeaderAllowList is the safe set of upstream headers copied back to
// the client. Everything else from the winning candidate is dropped.
var proxyHeaderAllowList = []string{
	"Content-Type",
	"Accept-Ranges",
	"Content-Length",
	"Content-Range",
	"Cache-Control",
	"ETag",
	"Last-Modified",
}

const defaultCacheControl = "private, max-age=60"

// ContentHandler proxies media bytes from whichever storage strategy
// actually holds the requested variant.
type ContentHandler struct {
	media *store.MediaStore
	res   *resolver.Resolver
	log   *logger.Logger
}

func NewContentHandler(media *store.MediaStore, res *resolver.Resolver, log *logger.Logger) *ContentHandler {
	return &ContentHandler{media: media, res: res, log: log}
}

// Serve handles GET /api/media/:mediaId/content?variant=original|subtitles|auto
func (h *ContentHandler) Serve(c *fiber.Ctx) error {
	mediaID := c.Params("mediaId")
	if mediaID == "" {
		return response.ValidationError(c, "Media ID is required", nil)
	}

	variant := model.Variant(c.Query("variant", string(model.VariantAuto)))
	if !validVariant(variant) {
		return response.ValidationError(c, "Unknown variant", nil)
	}

	media, err := h.media.FindByID(c.Context(), mediaID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Media not found")
		}
		return response.ServiceError(c, "Failed to load media")
	}
	if media.UserID != middleware.GetUserID(c) {
		return response.NotFound(c, "Media not found")
	}

	resolution, err := h.res.Resolve(c.Context(), mediaID, variant, c.Get(fiber.HeaderRange))
	if err != nil {
		var nf *resolver.NotFoundError
		if errors.As(err, &nf) {
			return response.NotFound(c, nf.Message)
		}
		if errors.Is(err, client.ErrNotConfigured) {
			return response.ServiceError(c, "Orchestrator not configured")
		}
		h.log.Errorw("content_resolve_failed", "mediaId", mediaID, "variant", variant, "error", err)
		return response.UpstreamError(c, "Failed to resolve media content")
	}

	upstream := resolution.Response
	for _, header := range proxyHeaderAllowList {
		if value := upstream.Header.Get(header); value != "" {
			c.Set(header, value)
		}
	}
	if upstream.Header.Get("Cache-Control") == "" {
		c.Set("Cache-Control", defaultCacheControl)
	}

	c.Status(upstream.StatusCode)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer upstream.Body.Close()
		if _, err := io.Copy(w, upstream.Body); err != nil {
			h.log.Debugw("content_stream_interrupted", "mediaId", mediaID, "error", err)
		}
	}))
	return nil
}

func validVariant(v model.Variant) bool {
	for _, valid := range model.ValidVariants {
		if v == valid {
			return true
		}
	}
	return false
}
