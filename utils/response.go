package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func JSONError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func JSON400(c *gin.Context, message string) {
	JSONError(c, http.StatusBadRequest, message)
}

func JSON401(c *gin.Context, message string) {
	JSONError(c, http.StatusUnauthorized, message)
}

func JSON404(c *gin.Context, message string) {
	JSONError(c, http.StatusNotFound, message)
}

func JSON500(c *gin.Context, message string) {
	JSONError(c, http.StatusInternalServerError, message)
}
