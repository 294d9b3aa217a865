package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// listActivity handles GET /api/activity.
func (s *Server) listActivity(c *gin.Context) {
	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	c.JSON(http.StatusOK, gin.H{"activities": s.feed.GetRecentActivities(limit)})
}

// activityStats handles GET /api/activity/stats.
func (s *Server) activityStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.feed.GetStats())
}
