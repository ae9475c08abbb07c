package api

import (
	"github.com/gin-gonic/gin"
)

func successResponse(c *gin.Context, status int, message string, data ...interface{}) {
	response := gin.H{
		"message": message,
	}
	if len(data) > 0 {
		response["data"] = data[0]
	}
	c.JSON(status, response)
}

func errorResponse(c *gin.Context, status int, message string, err ...error) {
	response := gin.H{
		"message": message,
	}
	if len(err) > 0 && err[0] != nil {
		response["error"] = err[0].Error()
	}
	c.JSON(status, response)
}
