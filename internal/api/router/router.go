package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/pixelforge/thumbnailer/internal/api/handlers/image"
	"github.com/pixelforge/thumbnailer/internal/middleware"
)

func Setup(h *image.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/health", h.Health)

	api := r.Group("/api")

	api.POST("/images", h.Upload)                // upload an image for processing
	api.GET("/images/:id", h.GetMeta)            // image status and thumbnail records
	api.GET("/images/:id/:size", h.GetThumbnail) // thumbnail bytes for one size
	api.DELETE("/images/:id", h.Delete)          // remove image and derivatives

	return r
}
