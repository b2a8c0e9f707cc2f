package model

import "errors"

// 票据错误族
var (
	ErrInvalidTicket                   = errors.New("票据无效或已过期")
	ErrTicketNotFound                  = errors.New("票据不存在")
	ErrTicketTypeMismatch              = errors.New("票据类型不匹配")
	ErrUnauthorizedSSO                 = errors.New("服务不允许单点登录")
	ErrUnsatisfiedAuthenticationPolicy = errors.New("认证不满足服务要求的认证上下文")
	ErrInvalidProxyGrantingTicket      = errors.New("服务票据已签发过代理授予票据")
)

var ticketErrors = []error{
	ErrInvalidTicket,
	ErrTicketNotFound,
	ErrTicketTypeMismatch,
	ErrUnauthorizedSSO,
	ErrUnsatisfiedAuthenticationPolicy,
	ErrInvalidProxyGrantingTicket,
}

// IsTicketError 判断错误是否属于票据错误族
func IsTicketError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range ticketErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
