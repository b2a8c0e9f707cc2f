package service

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"go.uber.org/zap"
)

// LogoutRequestStatus 单个服务的注销通知状态
type LogoutRequestStatus string

const (
	LogoutNotAttempted LogoutRequestStatus = "not_attempted"
	LogoutSuccess      LogoutRequestStatus = "success"
	LogoutFailure      LogoutRequestStatus = "failure"
)

// LogoutRequest 发往单个服务的注销通知
type LogoutRequest struct {
	TicketID          string
	Service           model.Service
	RegisteredService *model.RegisteredService
	LogoutURL         string
	Status            LogoutRequestStatus
}

// LogoutManager 会话结束时通知已访问的服务
type LogoutManager interface {
	PerformLogout(ctx context.Context, tgt model.TicketGrantingTicket) []LogoutRequest
}

// LogoutMessageSender 投递注销消息
type LogoutMessageSender interface {
	Send(ctx context.Context, logoutURL, message string) error
}

// HTTPLogoutMessageSender 以表单参数 logoutRequest POST 到服务
type HTTPLogoutMessageSender struct {
	client *http.Client
}

// NewHTTPLogoutMessageSender client 为空时使用默认超时
func NewHTTPLogoutMessageSender(client *http.Client) *HTTPLogoutMessageSender {
	return &HTTPLogoutMessageSender{client: newCallbackClient(client)}
}

func (s *HTTPLogoutMessageSender) Send(ctx context.Context, logoutURL, message string) error {
	form := url.Values{"logoutRequest": {message}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, logoutURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("服务返回 %d", resp.StatusCode)
	}
	return nil
}

// samlLogoutRequest SAML 2.0 LogoutRequest，CAS 客户端据 SessionIndex 找到本地会话
type samlLogoutRequest struct {
	XMLName      xml.Name `xml:"samlp:LogoutRequest"`
	XMLNSSAMLP   string   `xml:"xmlns:samlp,attr"`
	XMLNSSAML    string   `xml:"xmlns:saml,attr"`
	ID           string   `xml:"ID,attr"`
	Version      string   `xml:"Version,attr"`
	IssueInstant string   `xml:"IssueInstant,attr"`
	NameID       string   `xml:"saml:NameID"`
	SessionIndex string   `xml:"samlp:SessionIndex"`
}

// BuildLogoutMessage 生成注销消息
func BuildLogoutMessage(messageID, principalID, sessionIndex string, issuedAt time.Time) (string, error) {
	out, err := xml.Marshal(samlLogoutRequest{
		XMLNSSAMLP:   "urn:oasis:names:tc:SAML:2.0:protocol",
		XMLNSSAML:    "urn:oasis:names:tc:SAML:2.0:assertion",
		ID:           messageID,
		Version:      "2.0",
		IssueInstant: issuedAt.UTC().Format(time.RFC3339),
		NameID:       principalID,
		SessionIndex: sessionIndex,
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DefaultLogoutManager 对每个启用后端通道注销的服务发送 SAML 注销消息
type DefaultLogoutManager struct {
	services ServicesManager
	sender   LogoutMessageSender
	ids      UniqueTicketIDGenerator
	tickets  repository.TicketRegistry
	logger   *zap.Logger
}

// NewDefaultLogoutManager 创建注销管理器
func NewDefaultLogoutManager(services ServicesManager, sender LogoutMessageSender, ids UniqueTicketIDGenerator, logger *zap.Logger) *DefaultLogoutManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefaultLogoutManager{services: services, sender: sender, ids: ids, logger: logger}
}

// WithTicketRegistry 设置后，注销还会通知代理票据访问过的服务
func (m *DefaultLogoutManager) WithTicketRegistry(tickets repository.TicketRegistry) *DefaultLogoutManager {
	m.tickets = tickets
	return m
}

type logoutTarget struct {
	ticketID string
	service  model.Service
}

// PerformLogout 先把 TGT 标记为过期，再逐个通知服务，单个服务失败不影响其余服务
func (m *DefaultLogoutManager) PerformLogout(ctx context.Context, tgt model.TicketGrantingTicket) []LogoutRequest {
	tgt.MarkExpired()

	principal := ""
	if auth := tgt.Authentication(); auth != nil {
		principal = auth.Principal.ID
	}

	targets := m.collectTargets(ctx, tgt)
	requests := make([]LogoutRequest, 0, len(targets))
	for _, target := range targets {
		requests = append(requests, m.notify(ctx, target, principal))
	}
	return requests
}

// collectTargets 按 TGT 自身、再按代理授予票据逐层展开，每层按票据 ID 排序
func (m *DefaultLogoutManager) collectTargets(ctx context.Context, tgt model.TicketGrantingTicket) []logoutTarget {
	targets := sortedTargets(tgt.Services())
	if m.tickets == nil {
		return targets
	}

	visited := map[string]bool{tgt.ID(): true}
	queue := sortedIDs(tgt.ProxyGrantingTickets())
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		pgt, err := repository.GetTicketAs[*model.PGT](ctx, m.tickets, id)
		if err != nil {
			m.logger.Debug("代理授予票据不可用，跳过注销", zap.String("ticket_id", id), zap.Error(err))
			continue
		}
		targets = append(targets, sortedTargets(pgt.Services())...)
		queue = append(queue, sortedIDs(pgt.ProxyGrantingTickets())...)
	}
	return targets
}

func sortedIDs(services map[string]model.Service) []string {
	ids := make([]string, 0, len(services))
	for id := range services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedTargets(services map[string]model.Service) []logoutTarget {
	targets := make([]logoutTarget, 0, len(services))
	for _, id := range sortedIDs(services) {
		targets = append(targets, logoutTarget{ticketID: id, service: services[id]})
	}
	return targets
}

func (m *DefaultLogoutManager) notify(ctx context.Context, target logoutTarget, principal string) LogoutRequest {
	ticketID, svc := target.ticketID, target.service
	req := LogoutRequest{TicketID: ticketID, Service: svc, Status: LogoutNotAttempted}
	rs, err := m.services.FindServiceBy(ctx, svc)
	if err != nil {
		m.logger.Warn("查找注销服务失败", zap.String("service", svc.ID), zap.Error(err))
	}
	req.RegisteredService = rs
	if rs == nil || rs.LogoutType == model.LogoutTypeNone {
		return req
	}
	req.LogoutURL = rs.LogoutURL
	if req.LogoutURL == "" {
		req.LogoutURL = svc.OriginalURL
	}
	if req.LogoutURL == "" {
		req.LogoutURL = svc.ID
	}

	message, err := BuildLogoutMessage(m.ids.NewTicketID("LR"), principal, ticketID, model.Now())
	if err == nil {
		err = m.sender.Send(ctx, req.LogoutURL, message)
	}
	if err != nil {
		req.Status = LogoutFailure
		m.logger.Warn("注销通知失败",
			zap.String("ticket_id", ticketID),
			zap.String("logout_url", req.LogoutURL),
			zap.Error(err))
	} else {
		req.Status = LogoutSuccess
		m.logger.Debug("注销通知已发送", zap.String("ticket_id", ticketID), zap.String("logout_url", req.LogoutURL))
	}
	return req
}
