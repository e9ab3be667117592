package response

import (
	"net/http"

	"SafeTrace/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Body 统一响应结构
type Body struct {
	Success bool        `json:"success"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success writes a 200 envelope
func Success(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Message: message, Data: data})
}

// Created writes a 201 envelope
func Created(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Message: message, Data: data})
}

// Fail writes a failure envelope with an explicit status
func Fail(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Body{Success: false, Message: message, Data: data})
}

// Error maps a domain error to its HTTP status and typed code.
// 不向客户端泄露内部错误链
func Error(c *gin.Context, err error) {
	code := errors.GetCode(err)
	status := errors.HTTPStatus(err)
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	body := Body{Success: false, Code: code, Message: errors.GetMessage(err)}
	if e, ok := err.(*errors.Error); ok && len(e.Context) > 0 {
		fields := make(map[string]string, len(e.Context))
		for _, kv := range e.Context {
			fields[kv.Key] = kv.Value
		}
		body.Data = gin.H{"fields": fields}
	}
	c.JSON(status, body)
}
