package handler

import (
	"encoding/xml"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"go.uber.org/zap"
)

// CAS 协议错误码
const (
	CodeInvalidRequest           = "INVALID_REQUEST"
	CodeInvalidTicket            = "INVALID_TICKET"
	CodeInvalidService           = "INVALID_SERVICE"
	CodeInvalidProxyCallback     = "INVALID_PROXY_CALLBACK"
	CodeUnauthorizedService      = "UNAUTHORIZED_SERVICE"
	CodeUnauthorizedServiceProxy = "UNAUTHORIZED_SERVICE_PROXY"
	CodeBadProxyGrantingTicket   = "BAD_PGT"
	CodeInternalError            = "INTERNAL_ERROR"
)

const casNamespace = "http://www.yale.edu/tp/cas"

// ServiceResponse CAS 验证响应，XML 与 JSON 共用
type ServiceResponse struct {
	XMLName      xml.Name               `xml:"cas:serviceResponse" json:"-"`
	Namespace    string                 `xml:"xmlns:cas,attr" json:"-"`
	Success      *AuthenticationSuccess `xml:"cas:authenticationSuccess,omitempty" json:"authenticationSuccess,omitempty"`
	Failure      *Failure               `xml:"cas:authenticationFailure,omitempty" json:"authenticationFailure,omitempty"`
	ProxySuccess *ProxySuccess          `xml:"cas:proxySuccess,omitempty" json:"proxySuccess,omitempty"`
	ProxyFailure *Failure               `xml:"cas:proxyFailure,omitempty" json:"proxyFailure,omitempty"`
}

// AuthenticationSuccess 验证成功
type AuthenticationSuccess struct {
	User                string     `xml:"cas:user" json:"user"`
	Attributes          Attributes `xml:"cas:attributes,omitempty" json:"attributes,omitempty"`
	ProxyGrantingTicket string     `xml:"cas:proxyGrantingTicket,omitempty" json:"proxyGrantingTicket,omitempty"`
	Proxies             []string   `xml:"cas:proxies>cas:proxy,omitempty" json:"proxies,omitempty"`
}

// Failure 验证失败
type Failure struct {
	Code        string `xml:"code,attr" json:"code"`
	Description string `xml:",chardata" json:"description"`
}

// ProxySuccess 代理票据签发成功
type ProxySuccess struct {
	ProxyTicket string `xml:"cas:proxyTicket" json:"proxyTicket"`
}

// Attributes 释放给服务的属性，XML 中每个值一个元素
type Attributes map[string][]string

// MarshalXML 按属性名排序输出 <cas:name>value</cas:name>
func (a Attributes) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		el := xml.StartElement{Name: xml.Name{Local: "cas:" + name}}
		for _, v := range a[name] {
			if err := e.EncodeElement(v, el); err != nil {
				return err
			}
		}
	}
	return e.EncodeToken(start.End())
}

type validationMode struct {
	allowProxies bool
	// withAttributes CAS 3.0 协议在响应中携带属性
	withAttributes bool
}

// ServiceValidate 验证 ST
// GET /cas/serviceValidate
func (h *CASHandler) ServiceValidate(c *gin.Context) {
	h.validate(c, validationMode{})
}

// ProxyValidate 验证 ST 或 PT
// GET /cas/proxyValidate
func (h *CASHandler) ProxyValidate(c *gin.Context) {
	h.validate(c, validationMode{allowProxies: true})
}

// P3ServiceValidate GET /cas/p3/serviceValidate
func (h *CASHandler) P3ServiceValidate(c *gin.Context) {
	h.validate(c, validationMode{withAttributes: true})
}

// P3ProxyValidate GET /cas/p3/proxyValidate
func (h *CASHandler) P3ProxyValidate(c *gin.Context) {
	h.validate(c, validationMode{allowProxies: true, withAttributes: true})
}

func (h *CASHandler) validate(c *gin.Context, mode validationMode) {
	ticket := c.Query("ticket")
	serviceID := c.Query("service")
	if ticket == "" || serviceID == "" {
		h.writeFailure(c, CodeInvalidRequest, "缺少 ticket 或 service 参数")
		return
	}
	ctx := c.Request.Context()
	svc := model.NewService(serviceID)

	// PGT 必须在 ST 被验证消耗之前签发
	var iou string
	if pgtURL := c.Query("pgtUrl"); pgtURL != "" {
		var err error
		iou, err = h.cas.DelegateTicketGrantingTicket(ctx, ticket, &model.HTTPBasedServiceCredential{
			CallbackURL: pgtURL,
			ServiceID:   serviceID,
		})
		if err != nil {
			code := CodeInvalidProxyCallback
			if model.IsTicketError(err) {
				code = CodeInvalidTicket
			}
			h.logger.Info("代理回调失败", zap.String("ticket", ticket), zap.String("pgt_url", pgtURL), zap.Error(err))
			h.writeFailure(c, code, err.Error())
			return
		}
	}

	assertion, err := h.cas.ValidateServiceTicket(ctx, ticket, svc)
	if err != nil {
		h.writeFailure(c, protocolCode(err), err.Error())
		return
	}
	if !mode.allowProxies && len(assertion.ProxyChain) > 0 {
		h.writeFailure(c, CodeInvalidTicket, "代理票据只能通过 proxyValidate 验证")
		return
	}
	if isTrue(c.Query("renew")) && !assertion.FromNewLogin {
		h.writeFailure(c, CodeInvalidTicket, "票据不是通过重新认证签发的")
		return
	}

	success := &AuthenticationSuccess{
		User:                assertion.Principal().ID,
		ProxyGrantingTicket: iou,
	}
	for _, p := range assertion.ProxyChain {
		success.Proxies = append(success.Proxies, p.ID)
	}
	if mode.withAttributes {
		success.Attributes = protocolAttributes(assertion)
	}
	h.write(c, &ServiceResponse{Success: success})
}

// Proxy 用 PGT 换取 PT
// GET /cas/proxy
func (h *CASHandler) Proxy(c *gin.Context) {
	pgtID := c.Query("pgt")
	target := c.Query("targetService")
	if pgtID == "" || target == "" {
		h.write(c, &ServiceResponse{ProxyFailure: &Failure{Code: CodeInvalidRequest, Description: "缺少 pgt 或 targetService 参数"}})
		return
	}

	pt, err := h.cas.GrantProxyTicket(c.Request.Context(), pgtID, model.NewService(target))
	if err != nil {
		code := protocolCode(err)
		if code == CodeInvalidTicket {
			code = CodeBadProxyGrantingTicket
		}
		h.write(c, &ServiceResponse{ProxyFailure: &Failure{Code: code, Description: err.Error()}})
		return
	}
	h.write(c, &ServiceResponse{ProxySuccess: &ProxySuccess{ProxyTicket: pt.ID()}})
}

func (h *CASHandler) writeFailure(c *gin.Context, code, description string) {
	h.write(c, &ServiceResponse{Failure: &Failure{Code: code, Description: description}})
}

// write format=JSON 时输出 JSON，否则输出 XML，协议失败也返回 200
func (h *CASHandler) write(c *gin.Context, resp *ServiceResponse) {
	if strings.EqualFold(c.Query("format"), "json") {
		c.JSON(http.StatusOK, gin.H{"serviceResponse": resp})
		return
	}
	resp.Namespace = casNamespace
	c.XML(http.StatusOK, resp)
}

func protocolCode(err error) string {
	switch {
	case errors.Is(err, service.ErrServiceMismatch):
		return CodeInvalidService
	case errors.Is(err, service.ErrUnauthorizedProxying):
		return CodeUnauthorizedServiceProxy
	case service.IsAccessDenied(err):
		return CodeUnauthorizedService
	case model.IsTicketError(err):
		return CodeInvalidTicket
	default:
		return CodeInternalError
	}
}

// protocolAttributes 释放属性加上 CAS 3.0 的认证元数据
func protocolAttributes(assertion *model.Assertion) Attributes {
	attrs := make(Attributes, len(assertion.ReleasedAttributes)+3)
	for name, values := range assertion.ReleasedAttributes {
		attrs[name] = values
	}
	if auth := assertion.PrimaryAuthentication; auth != nil {
		attrs["authenticationDate"] = []string{auth.AuthenticationDate.UTC().Format("2006-01-02T15:04:05Z")}
	}
	attrs["longTermAuthenticationRequestTokenUsed"] = []string{strconv.FormatBool(assertion.IsRememberMe())}
	attrs["isFromNewLogin"] = []string{strconv.FormatBool(assertion.FromNewLogin)}
	return attrs
}
