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

// Package handler exposes the transaction coordinator over HTTP.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/innovationmech/txcoord/pkg/saga"
)

// ErrorResponse is the body of every non-2xx reply that carries no result.
type ErrorResponse struct {
	Code    string                 `json:"code,omitempty"`
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps a coordinator error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, saga.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, saga.ErrCircularDependency),
		errors.Is(err, saga.ErrUnknownDependency),
		errors.Is(err, saga.ErrDuplicateOperation),
		errors.Is(err, saga.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, saga.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrTransactionAlreadyExists),
		errors.Is(err, saga.ErrImmutableState):
		return http.StatusConflict
	case errors.Is(err, saga.ErrCoordinatorClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	resp := ErrorResponse{Code: saga.ErrorCode(err), Error: err.Error()}
	var se *saga.Error
	if errors.As(err, &se) {
		resp.Details = se.Details
	}
	c.JSON(statusFor(err), resp)
}
