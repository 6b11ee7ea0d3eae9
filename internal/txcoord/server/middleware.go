// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/internal/txcoord/config"
	"github.com/innovationmech/txcoord/pkg/logger"
)

// RequestIDHeader carries the request id; it is echoed when the client sends one.
const RequestIDHeader = "X-Request-ID"

// sanitizeForLog strips line breaks and caps the length of client-supplied text.
func sanitizeForLog(input string) string {
	sanitized := strings.NewReplacer("\n", "", "\r", "", "\t", "").Replace(input)
	if len(sanitized) > 500 {
		sanitized = sanitized[:500] + "... [truncated]"
	}
	return sanitized
}

// applyMiddleware installs recovery, request id, access logging and CORS, in that order.
func applyMiddleware(router *gin.Engine, cfg config.ServerConfig) {
	router.Use(recoveryMiddleware(), requestIDMiddleware(), loggingMiddleware())
	if cfg.CORS.Enabled {
		router.Use(corsMiddleware(cfg.CORS))
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := sanitizeForLog(c.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", sanitizeForLog(c.Request.URL.Path)),
			zap.String("query", sanitizeForLog(c.Request.URL.RawQuery)),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", sanitizeForLog(c.ClientIP())),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("transaction_id", sanitizeForLog(id)))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.GetLogger().Error("HTTP request", fields...)
		case status >= http.StatusBadRequest:
			logger.GetLogger().Warn("HTTP request", fields...)
		default:
			logger.GetLogger().Debug("HTTP request", fields...)
		}
	}
}

func corsMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	return cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     cfg.AllowMethods,
		AllowHeaders:     append(append([]string{}, cfg.AllowHeaders...), RequestIDHeader),
		ExposeHeaders:    append(append([]string{}, cfg.ExposeHeaders...), RequestIDHeader),
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
}

func recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.GetLogger().Error("Panic recovered",
					zap.Any("error", r),
					zap.String("path", sanitizeForLog(c.Request.URL.Path)),
					zap.String("method", c.Request.Method),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":      "INTERNAL_ERROR",
					"error":     fmt.Sprintf("internal server error: %v", r),
					"timestamp": time.Now(),
				})
			}
		}()
		c.Next()
	}
}
