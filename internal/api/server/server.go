// Package server builds the HTTP server for the image API.
package server

import (
	"net/http"
	"time"

	"github.com/wb-go/wbf/ginext"
)

// Timeouts sized for multipart image uploads and thumbnail streaming,
// which run longer than plain JSON round trips.
const (
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// New returns an http.Server for the given router.
func New(addr string, router *ginext.Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}
