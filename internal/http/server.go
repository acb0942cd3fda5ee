package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const previewInterval = 50 * time.Millisecond

// NewRouter assembles the gin engine with logging, CORS, metrics and all
// API routes registered.
func NewRouter(h *Handler, jwtSecret string, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r, JWTAuth(jwtSecret))
	return r
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// streamMJPEG writes a multipart/x-mixed-replace stream of the latest
// preview frame until the client goes away.
func streamMJPEG(c *gin.Context, preview Preview) {
	const boundary = "frame"
	c.Writer.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	c.Writer.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		jpeg, ok := preview.PreviewJPEG()
		if !ok {
			continue
		}

		_, err := fmt.Fprintf(c.Writer, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpeg))
		if err != nil {
			return
		}
		if _, err := c.Writer.Write(jpeg); err != nil {
			return
		}
		if _, err := fmt.Fprint(c.Writer, "\r\n"); err != nil {
			return
		}
		c.Writer.Flush()
	}
}
