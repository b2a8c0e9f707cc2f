package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 标准响应结构
// 字段顺序：code -> msg -> data
type Response struct {
	Code int         `json:"code"` // 业务状态码，0 表示成功
	Msg  string      `json:"msg"`  // 响应消息（中文）
	Data interface{} `json:"data"` // 响应数据
}

// 业务错误码
const (
	CodeSuccess = 0 // 操作成功

	// 参数错误 10xxx
	CodeInvalidRequest = 10001 // 请求参数无效
	CodeInvalidFormat  = 10002 // 参数格式错误
	CodeMissingParam   = 10003 // 必填参数缺失

	// 认证错误 20xxx
	CodeInvalidCredentials = 20001 // 用户名或密码错误
	CodeLoginRequired      = 20002 // 需要登录
	CodeAccountDisabled    = 20003 // 账户已禁用
	CodeAccountLocked      = 20004 // 账户已被锁定
	CodeMFARequired        = 20005 // 需要多因素认证
	CodeForbidden          = 20008 // 无权访问该资源

	// 票据错误 30xxx
	CodeInvalidTicket       = 30001 // 票据无效或已过期
	CodeUnauthorizedService = 30002 // 服务未授权
	CodeUnauthorizedSSO     = 30003 // 服务不允许单点登录
	CodeUnauthorizedProxy   = 30004 // 服务不允许代理

	// 资源不存在 40xxx
	CodeTicketNotFound  = 40001 // 票据不存在
	CodeServiceNotFound = 40002 // 服务未注册

	// 冲突错误 50xxx
	CodeServiceExists = 50001 // 服务名称已存在

	// 服务器错误 90xxx
	CodeServerError = 90001 // 服务器内部错误
	CodeUnavailable = 90002 // 服务暂时不可用
	CodeTooManyReq  = 90003 // 请求过于频繁
)

// 错误码对应的消息
var codeMessages = map[int]string{
	CodeSuccess:             "操作成功",
	CodeInvalidRequest:      "请求参数无效",
	CodeInvalidFormat:       "参数格式错误",
	CodeMissingParam:        "必填参数缺失",
	CodeInvalidCredentials:  "用户名或密码错误",
	CodeLoginRequired:       "请先登录",
	CodeAccountDisabled:     "账户已禁用",
	CodeAccountLocked:       "账户已被锁定，请稍后重试",
	CodeMFARequired:         "需要进行多因素认证",
	CodeForbidden:           "无权访问该资源",
	CodeInvalidTicket:       "票据无效或已过期",
	CodeUnauthorizedService: "服务未注册或不允许访问",
	CodeUnauthorizedSSO:     "该服务不允许单点登录，请重新认证",
	CodeUnauthorizedProxy:   "服务不允许代理",
	CodeTicketNotFound:      "票据不存在",
	CodeServiceNotFound:     "服务未注册",
	CodeServiceExists:       "服务名称已存在",
	CodeServerError:         "服务器内部错误，请稍后重试",
	CodeUnavailable:         "服务暂时不可用",
	CodeTooManyReq:          "请求过于频繁，请稍后重试",
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  codeMessages[CodeSuccess],
		Data: data,
	})
}

// SuccessWithMsg 成功响应（自定义消息）
func SuccessWithMsg(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  msg,
		Data: data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int) {
	ErrorWithMsg(c, code, Message(code))
}

// ErrorWithMsg 错误响应（自定义消息）
func ErrorWithMsg(c *gin.Context, code int, msg string) {
	c.JSON(HTTPStatus(code), Response{
		Code: code,
		Msg:  msg,
		Data: nil,
	})
}

// Message 错误码对应的默认消息
func Message(code int) string {
	if msg, ok := codeMessages[code]; ok {
		return msg
	}
	return "未知错误"
}

// HTTPStatus 业务错误码转 HTTP 状态码
func HTTPStatus(code int) int {
	switch {
	case code == CodeSuccess:
		return http.StatusOK
	case code >= 10000 && code < 20000:
		return http.StatusBadRequest
	case code >= 20000 && code < 30000:
		if code == CodeInvalidCredentials || code == CodeLoginRequired {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case code >= 30000 && code < 40000:
		if code == CodeInvalidTicket {
			return http.StatusBadRequest
		}
		return http.StatusForbidden
	case code >= 40000 && code < 50000:
		return http.StatusNotFound
	case code >= 50000 && code < 60000:
		return http.StatusConflict
	case code == CodeTooManyReq:
		return http.StatusTooManyRequests
	case code == CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
