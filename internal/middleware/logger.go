package middleware

import (
	"log"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger middleware logs HTTP requests. Paths listed in quiet are only
// logged when they fail.
func Logger(quiet ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		if skip[path] && status < 400 {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		line := []string{c.Request.Method, path, c.ClientIP()}
		if errs := c.Errors.String(); errs != "" {
			line = append(line, strings.TrimSpace(errs))
		}
		log.Printf("[HTTP] %d %v %s", status, time.Since(start), strings.Join(line, " "))
	}
}
