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

package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/innovationmech/txcoord/pkg/saga"
	"github.com/innovationmech/txcoord/pkg/saga/monitoring"
)

const defaultAlertLimit = 50

// MonitorService is the transaction monitor surface the HTTP layer needs.
type MonitorService interface {
	Metrics() monitoring.RealtimeMetrics
	Alerts(limit int) []saga.Alert
}

// MonitorController serves the monitor routes.
type MonitorController struct {
	monitor MonitorService
}

// NewMonitorController creates a controller backed by monitor.
func NewMonitorController(monitor MonitorService) *MonitorController {
	return &MonitorController{monitor: monitor}
}

// Metrics returns the realtime aggregate metrics.
func (mc *MonitorController) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, mc.monitor.Metrics())
}

// Alerts returns the most recent alerts, newest last. ?limit= defaults to 50.
func (mc *MonitorController) Alerts(c *gin.Context) {
	limit := defaultAlertLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Code:  saga.ErrCodeValidationError,
				Error: "limit must be a positive integer",
			})
			return
		}
		limit = v
	}
	alerts := mc.monitor.Alerts(limit)
	if alerts == nil {
		alerts = []saga.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
