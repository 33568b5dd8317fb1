package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lessonstream/engine/internal/httpapi/auth"
)

// handleCreateSession starts a new lesson Session and mints the bearer
// token its subsequent play/pause/seek/... calls must present.
func handleCreateSession(registry Registry, issuer *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := registry.Create()
		token, err := issuer.Issue(sess.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"sessionId": sess.ID, "token": token})
	}
}

func lookupSession(c *gin.Context, registry Registry) (Session, bool) {
	id := c.Param("id")
	sess, ok := registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return Session{}, false
	}
	return sess, true
}

func handlePlay(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		sess.Play()
		c.JSON(http.StatusOK, gin.H{"state": sess.State(), "position": sess.CurrentPosition()})
	}
}

func handlePause(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		sess.Pause()
		c.JSON(http.StatusOK, gin.H{"state": sess.State(), "position": sess.CurrentPosition()})
	}
}

type seekRequest struct {
	Position int64 `json:"position" binding:"required"`
}

func handleSeek(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		var req seekRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pos, immediate := sess.Seek(req.Position)
		c.JSON(http.StatusOK, gin.H{"position": pos, "wasImmediate": immediate})
	}
}

type speedRequest struct {
	Speed float64 `json:"speed" binding:"required"`
}

func handleSpeed(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		var req speedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := sess.SetSpeed(req.Speed); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"speed": req.Speed})
	}
}

type volumeRequest struct {
	Volume float64 `json:"volume"`
}

func handleVolume(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		var req volumeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess.SetVolume(req.Volume)
		c.JSON(http.StatusOK, gin.H{"volume": req.Volume})
	}
}

func handleEnvironment(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		var sample EnvironmentSample
		if err := c.ShouldBindJSON(&sample); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if sess.Environment == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "environment sampling unavailable"})
			return
		}
		c.JSON(http.StatusOK, sess.Environment(sample))
	}
}

type durationRequest struct {
	MeasuredMS int64 `json:"measuredMs" binding:"required"`
}

// handleReportDuration lets a client report an audio chunk's actually
// measured playback duration once decoded, feeding the audio manager's
// duration-recalibration pass (C5).
func handleReportDuration(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		if sess.ReportDuration == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "duration reporting unavailable"})
			return
		}
		var req durationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		result, err := sess.ReportDuration(c.Param("chunkId"), req.MeasuredMS)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func handleState(registry Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := lookupSession(c, registry)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"state": sess.State(), "position": sess.CurrentPosition()})
	}
}
