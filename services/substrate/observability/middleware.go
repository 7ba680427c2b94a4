// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// Middleware opens a SERVER span per request, continuing a remote trace
// when the caller sent a traceparent header. The enriched context is
// swapped into c.Request so handlers see the trace, and the response
// echoes the traceparent for client-side correlation.
func Middleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Request.Method + " " + c.FullPath()
		if c.FullPath() == "" {
			name = c.Request.Method + " " + c.Request.URL.Path
		}

		ctx, span := svc.ContinueTrace(c.Request.Context(),
			c.GetHeader(TraceparentHeader), name, KindServer)
		c.Request = c.Request.WithContext(ctx)

		if tc := FromContext(ctx); tc != nil {
			c.Header(TraceparentHeader, tc.Traceparent())
		}

		c.Next()

		status := c.Writer.Status()
		span.SetAttribute("http.method", c.Request.Method)
		span.SetAttribute("http.route", c.FullPath())
		span.SetAttribute("http.status_code", status)
		if status >= 500 {
			span.FinishError(fmt.Errorf("http %d", status))
			return
		}
		span.FinishOK()
	}
}
