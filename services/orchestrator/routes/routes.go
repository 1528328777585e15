// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianConcierge/services/orchestrator/handlers"
)

// SetupRoutes registers every endpoint on router.
//
// metrics serves /metrics and may be nil, in which case the route is not
// registered.
func SetupRoutes(router *gin.Engine, chat *handlers.ChatHandler, metrics http.Handler) {
	router.GET("/health", handlers.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	chatGroup := router.Group("/chat")
	{
		chatGroup.POST("", chat.HandleChat)
		chatGroup.GET("/stream", chat.HandleStream)
		chatGroup.GET("/followups", chat.HandleFollowups)
		chatGroup.GET("/audio", chat.HandleAudio)
		chatGroup.POST("/reset", chat.HandleReset)
		chatGroup.GET("/transcript", chat.HandleTranscript)
	}
	router.POST("/upload", chat.HandleUpload)
	router.POST("/transcribe", chat.HandleTranscribe)
	router.GET("/ws", chat.HandleWebSocket)
}
