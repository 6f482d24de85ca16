// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/querygate/services/gate"
	"github.com/AleutianAI/querygate/services/ratelimit"
	"github.com/AleutianAI/querygate/services/verdict"
)

type handlers struct {
	deps Deps
}

type checkRequest struct {
	Text string `json:"text" binding:"required"`
}

type validateRequest struct {
	Query string `json:"query"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) ask(c *gin.Context) {
	var req gate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	res, err := h.deps.Gate.Process(c.Request.Context(), req)
	writeResult(c, res, err)
}

func (h *handlers) neighborhood(c *gin.Context) {
	if h.deps.Templates == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "templates are not enabled"})
		return
	}
	label := c.Query("label")
	if label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label is required"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	plan := h.deps.Templates.Neighborhood(label, c.Query("rel"), limit)
	res, err := h.deps.Gate.Run(c.Request.Context(), plan)
	writeResult(c, res, err)
}

// writeResult maps a gate result to a status code.
func writeResult(c *gin.Context, res *gate.Result, err error) {
	switch {
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, res)
	case !res.Allowed && res.Stage == verdict.StageRateLimit:
		setRetryAfter(c)
		c.JSON(http.StatusTooManyRequests, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (h *handlers) checkGuardrail(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	decision := h.deps.Gate.CheckText(c.Request.Context(), req.Text)
	if decision.RateLimited() {
		setRetryAfter(c)
		c.JSON(http.StatusTooManyRequests, decision)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (h *handlers) validateCypher(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	outcome := h.deps.Gate.ValidateQuery(c.Request.Context(), req.Query)
	c.JSON(http.StatusOK, gin.H{
		"outcome": outcome,
		"message": outcome.Message(),
	})
}

func (h *handlers) rateLimitUsage(c *gin.Context) {
	if h.deps.Limiter == nil {
		c.JSON(http.StatusOK, gin.H{"usage": []ratelimit.Usage{}})
		return
	}
	specs := h.deps.Specs
	if endpoint := c.Query("endpoint"); endpoint != "" {
		spec := ratelimit.Spec{Endpoint: endpoint, Model: c.Query("model")}
		for _, s := range h.deps.Specs {
			if s.Endpoint == spec.Endpoint && (spec.Model == "" || s.Model == spec.Model) {
				spec = s
				break
			}
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
				return
			}
			spec.Limit = n
		}
		specs = []ratelimit.Spec{spec}
	}

	usage := make([]ratelimit.Usage, 0, len(specs))
	for _, s := range specs {
		u, err := h.deps.Limiter.Usage(c.Request.Context(), s.Endpoint, s.Model, s.Limit)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limit backend unavailable"})
			return
		}
		usage = append(usage, u)
	}
	c.JSON(http.StatusOK, gin.H{"usage": usage})
}

func (h *handlers) allowList(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.AllowList.Current())
}

func (h *handlers) reloadAllowList(c *gin.Context) {
	err := h.deps.AllowList.Reload()
	h.deps.Metrics.RecordAllowListReload(err)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	list := h.deps.AllowList.Current()
	c.JSON(http.StatusOK, gin.H{
		"reloads":            h.deps.AllowList.Reloads(),
		"labels":             len(list.Labels()),
		"relationship_types": len(list.RelationshipTypes()),
	})
}

// setRetryAfter points the client at the start of the next window.
func setRetryAfter(c *gin.Context) {
	wait := ratelimit.WindowSeconds - time.Now().Unix()%ratelimit.WindowSeconds
	c.Header("Retry-After", strconv.FormatInt(wait, 10))
}
