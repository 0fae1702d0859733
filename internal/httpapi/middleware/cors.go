package middleware

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS allows the configured origins; HMLR_CORS_ORIGINS overrides the
// localhost defaults used during development.
func CORS(originsCSV string) gin.HandlerFunc {
	origins := defaultOrigins
	if trimmed := strings.TrimSpace(originsCSV); trimmed != "" {
		origins = nil
		for _, o := range strings.Split(trimmed, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	})
}

var defaultOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}
