// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package substrate

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSubstrate/services/substrate/observability"
)

// RegisterRoutes registers the substrate boundary with the router.
//
// Research:
//
//	POST /research/run          - Run a research request (?stream=true for SSE)
//	POST /research/resume       - Resume from the last checkpoint
//	GET  /research/:thread_id/status - Run progress summary
//
// Compliance:
//
//	GET  /compliance/report - Period report with violations
//	GET  /compliance/export - Raw audit packets, timestamp ascending
//
// Observability:
//
//	GET  /metrics        - Prometheus exposition
//	GET  /modules/status - Module registry snapshot
//	GET  /health         - Component reachability
func RegisterRoutes(router *gin.Engine, handlers *Handlers, obs *observability.Service) {
	if obs != nil {
		router.Use(observability.Middleware(obs))
	}

	research := router.Group("/research")
	{
		research.POST("/run", handlers.HandleResearchRun)
		research.POST("/resume", handlers.HandleResearchResume)
		research.GET("/:thread_id/status", handlers.HandleResearchStatus)
	}

	complianceGroup := router.Group("/compliance")
	{
		complianceGroup.GET("/report", handlers.HandleComplianceReport)
		complianceGroup.GET("/export", handlers.HandleComplianceExport)
	}

	if handlers.metrics != nil {
		router.GET("/metrics", gin.WrapH(handlers.metrics.Handler()))
	}
	router.GET("/modules/status", handlers.HandleModulesStatus)
	router.GET("/health", handlers.HandleHealth)
}
