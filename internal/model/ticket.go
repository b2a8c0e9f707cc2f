package model

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

// Kind 票据种类，封闭集合
type Kind string

const (
	KindTicketGrantingTicket Kind = "TGT"
	KindServiceTicket        Kind = "ST"
	KindProxyGrantingTicket  Kind = "PGT"
	KindProxyTicket          Kind = "PT"
	// KindEncoded 加密后的票据信封，类型在解密前未知
	KindEncoded Kind = "ENC"
)

// 票据 ID 前缀
const (
	PrefixTicketGrantingTicket = "TGT"
	PrefixServiceTicket        = "ST"
	PrefixProxyGrantingTicket  = "PGT"
	PrefixProxyTicket          = "PT"
	// PrefixProxyGrantingTicketIOU 代理回调中与 PGT 一同下发的 IOU
	PrefixProxyGrantingTicketIOU = "PGTIOU"
)

// Ticket 票据公共能力
type Ticket interface {
	ID() string
	Kind() Kind
	CreationTime() time.Time
	LastTimeUsed() time.Time
	PreviousTimeUsed() time.Time
	CountOfUses() int
	ExpirationPolicy() ExpirationPolicy
	// IsExpired 一旦返回 true 便不再返回 false
	IsExpired() bool
	// MarkExpired 显式标记过期，例如注销时
	MarkExpired()
	// Update 记录一次使用
	Update()
	// GrantingTicketID 签发该票据的上级票据 ID，根 TGT 为空
	GrantingTicketID() string
}

// TicketGrantingTicket TGT 与 PGT 的公共能力
type TicketGrantingTicket interface {
	Ticket
	Authentication() *Authentication
	// Services 已签发的 ST/PT，键为票据 ID
	Services() map[string]Service
	// ProxyGrantingTickets 已签发的 PGT，键为票据 ID
	ProxyGrantingTickets() map[string]Service
	AddProxyGrantingTicket(id string, service Service)
	RemoveAllServices()
	IsRoot() bool
}

// ServiceTicket ST 与 PT 的公共能力
type ServiceTicket interface {
	Ticket
	Service() Service
	IsFromNewLogin() bool
	// IsValidFor 记录一次使用并判断是否签发给该服务
	IsValidFor(service Service) bool
	GrantProxyGrantingTicket(id string, auth *Authentication, policy ExpirationPolicy) (*PGT, error)
}

// Service 访问 CAS 的目标服务
type Service struct {
	ID          string `json:"id"`
	OriginalURL string `json:"original_url,omitempty"`
}

// NewService 以服务地址创建服务
func NewService(id string) Service {
	return Service{ID: id, OriginalURL: id}
}

// Matches 判断是否为同一服务
func (s Service) Matches(other Service) bool {
	return s.ID == other.ID
}

// NormalizedPath 去掉查询串和片段后的服务地址
func (s Service) NormalizedPath() string {
	u, err := url.Parse(s.ID)
	if err != nil {
		if i := strings.IndexAny(s.ID, "?#"); i >= 0 {
			return s.ID[:i]
		}
		return s.ID
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// ticketBase 票据的身份与使用状态
// id、creationTime、policy 创建后不变，其余字段由 mu 保护
type ticketBase struct {
	mu               sync.Mutex
	id               string
	creationTime     time.Time
	lastTimeUsed     time.Time
	previousTimeUsed time.Time
	countOfUses      int
	expired          bool
	policy           ExpirationPolicy
}

func (t *ticketBase) init(id string, policy ExpirationPolicy) {
	now := Now()
	t.id = id
	t.creationTime = now
	t.lastTimeUsed = now
	t.previousTimeUsed = now
	t.policy = policy
}

func (t *ticketBase) ID() string { return t.id }

func (t *ticketBase) CreationTime() time.Time { return t.creationTime }

func (t *ticketBase) ExpirationPolicy() ExpirationPolicy { return t.policy }

func (t *ticketBase) LastTimeUsed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTimeUsed
}

func (t *ticketBase) PreviousTimeUsed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.previousTimeUsed
}

func (t *ticketBase) CountOfUses() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countOfUses
}

func (t *ticketBase) MarkExpired() {
	t.mu.Lock()
	t.expired = true
	t.mu.Unlock()
}

func (t *ticketBase) Update() {
	t.mu.Lock()
	t.updateLocked()
	t.mu.Unlock()
}

func (t *ticketBase) updateLocked() {
	t.previousTimeUsed = t.lastTimeUsed
	t.lastTimeUsed = Now()
	t.countOfUses++
}

// isExpired 过期结果一旦为真即锁存
func (t *ticketBase) isExpired(auth *Authentication) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		return true
	}
	if t.policy == nil || t.policy.IsExpired(t.stateLocked(auth)) {
		t.expired = true
	}
	return t.expired
}

func (t *ticketBase) stateLocked(auth *Authentication) *TicketState {
	return &TicketState{
		CreationTime:     t.creationTime,
		LastTimeUsed:     t.lastTimeUsed,
		PreviousTimeUsed: t.previousTimeUsed,
		CountOfUses:      t.countOfUses,
		Authentication:   auth,
	}
}

// TGT 票据授予票据，代表一次单点登录会话
type TGT struct {
	ticketBase
	authentication       *Authentication
	grantingTicketID     string
	proxiedBy            *Service
	services             map[string]Service
	proxyGrantingTickets map[string]Service
}

// NewTGT 创建 TGT
func NewTGT(id string, auth *Authentication, policy ExpirationPolicy) *TGT {
	t := &TGT{}
	t.initTGT(id, auth, policy)
	return t
}

func (t *TGT) initTGT(id string, auth *Authentication, policy ExpirationPolicy) {
	t.init(id, policy)
	t.authentication = auth
	t.services = make(map[string]Service)
	t.proxyGrantingTickets = make(map[string]Service)
}

func (t *TGT) Kind() Kind { return KindTicketGrantingTicket }

func (t *TGT) IsExpired() bool { return t.isExpired(t.authentication) }

func (t *TGT) GrantingTicketID() string { return t.grantingTicketID }

func (t *TGT) Authentication() *Authentication { return t.authentication }

func (t *TGT) IsRoot() bool { return t.grantingTicketID == "" }

// Services 返回副本
func (t *TGT) Services() map[string]Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Service, len(t.services))
	for k, v := range t.services {
		out[k] = v
	}
	return out
}

// ProxyGrantingTickets 返回副本
func (t *TGT) ProxyGrantingTickets() map[string]Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Service, len(t.proxyGrantingTickets))
	for k, v := range t.proxyGrantingTickets {
		out[k] = v
	}
	return out
}

func (t *TGT) AddProxyGrantingTicket(id string, service Service) {
	t.mu.Lock()
	t.proxyGrantingTickets[id] = service
	t.mu.Unlock()
}

func (t *TGT) RemoveAllServices() {
	t.mu.Lock()
	t.services = make(map[string]Service)
	t.mu.Unlock()
}

// track 记录一次签发并返回是否来自新登录
// onlyTrackMostRecent 为真时，同一路径的旧会话记录会被替换
func (t *TGT) track(id string, service Service, credentialProvided, onlyTrackMostRecent bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	fromNewLogin := credentialProvided || t.countOfUses == 0
	t.updateLocked()

	if onlyTrackMostRecent {
		path := service.NormalizedPath()
		for existingID, existing := range t.services {
			if existing.NormalizedPath() == path {
				delete(t.services, existingID)
				break
			}
		}
	}
	t.services[id] = service
	return fromNewLogin
}

// GrantServiceTicket 签发 ST 并登记到本会话
func (t *TGT) GrantServiceTicket(id string, service Service, policy ExpirationPolicy, credentialProvided, onlyTrackMostRecent bool) *ST {
	fromNewLogin := t.track(id, service, credentialProvided, onlyTrackMostRecent)
	return newST(id, t.id, service, fromNewLogin, policy)
}

// PGT 代理授予票据
type PGT struct {
	TGT
}

// NewPGT 创建 PGT，grantingTicketID 为签发它的 ST 所属的 TGT/PGT
func NewPGT(id string, proxiedBy Service, grantingTicketID string, auth *Authentication, policy ExpirationPolicy) *PGT {
	pgt := &PGT{}
	pgt.initTGT(id, auth, policy)
	pgt.grantingTicketID = grantingTicketID
	pgt.proxiedBy = &proxiedBy
	return pgt
}

func (t *PGT) Kind() Kind { return KindProxyGrantingTicket }

// ProxiedBy 通过代理回调取得本 PGT 的服务
func (t *PGT) ProxiedBy() Service {
	if t.proxiedBy == nil {
		return Service{}
	}
	return *t.proxiedBy
}

// GrantProxyTicket 签发 PT 并登记到本 PGT
func (t *PGT) GrantProxyTicket(id string, service Service, policy ExpirationPolicy, onlyTrackMostRecent bool) *PT {
	t.track(id, service, false, onlyTrackMostRecent)
	pt := &PT{}
	pt.initST(id, t.id, service, false, policy)
	return pt
}

// ST 服务票据
type ST struct {
	ticketBase
	grantingTicketID     string
	service              Service
	fromNewLogin         bool
	grantedTicketAlready bool
}

func newST(id, grantingTicketID string, service Service, fromNewLogin bool, policy ExpirationPolicy) *ST {
	t := &ST{}
	t.initST(id, grantingTicketID, service, fromNewLogin, policy)
	return t
}

func (t *ST) initST(id, grantingTicketID string, service Service, fromNewLogin bool, policy ExpirationPolicy) {
	t.init(id, policy)
	t.grantingTicketID = grantingTicketID
	t.service = service
	t.fromNewLogin = fromNewLogin
}

func (t *ST) Kind() Kind { return KindServiceTicket }

func (t *ST) IsExpired() bool { return t.isExpired(nil) }

func (t *ST) GrantingTicketID() string { return t.grantingTicketID }

func (t *ST) Service() Service { return t.service }

func (t *ST) IsFromNewLogin() bool { return t.fromNewLogin }

func (t *ST) IsValidFor(service Service) bool {
	t.Update()
	return service.Matches(t.service)
}

// GrantProxyGrantingTicket 每张服务票据只能签发一次 PGT
// 返回的 PGT 仍需由调用方登记到上级票据
func (t *ST) GrantProxyGrantingTicket(id string, auth *Authentication, policy ExpirationPolicy) (*PGT, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.grantedTicketAlready {
		return nil, ErrInvalidProxyGrantingTicket
	}
	t.grantedTicketAlready = true
	return NewPGT(id, t.service, t.grantingTicketID, auth, policy), nil
}

// PT 代理票据
type PT struct {
	ST
}

func (t *PT) Kind() Kind { return KindProxyTicket }

// EncodedTicket 加密票据信封，ID 为原票据 ID 的摘要
// 信封保留原票据的创建时间与存活时间，存储后端据此设置过期
type EncodedTicket struct {
	id           string
	payload      []byte
	creationTime time.Time
	timeToLive   time.Duration
}

// NewEncodedTicket 创建加密信封，timeToLive 为 0 表示不限
func NewEncodedTicket(id string, payload []byte, creationTime time.Time, timeToLive time.Duration) *EncodedTicket {
	return &EncodedTicket{id: id, payload: payload, creationTime: creationTime, timeToLive: timeToLive}
}

func (t *EncodedTicket) ID() string { return t.id }

func (t *EncodedTicket) Kind() Kind { return KindEncoded }

// Payload 密文
func (t *EncodedTicket) Payload() []byte { return t.payload }

func (t *EncodedTicket) CreationTime() time.Time { return t.creationTime }

func (t *EncodedTicket) LastTimeUsed() time.Time { return time.Time{} }

func (t *EncodedTicket) PreviousTimeUsed() time.Time { return time.Time{} }

func (t *EncodedTicket) CountOfUses() int { return 0 }

// ExpirationPolicy 只携带原策略的存活时间
func (t *EncodedTicket) ExpirationPolicy() ExpirationPolicy {
	if t.timeToLive <= 0 {
		return NeverExpiresExpirationPolicy{}
	}
	return &HardTimeoutExpirationPolicy{TimeToKill: t.timeToLive}
}

// IsExpired 信封本身无法判断，需解密后由原票据决定
func (t *EncodedTicket) IsExpired() bool { return false }

func (t *EncodedTicket) MarkExpired() {}

func (t *EncodedTicket) Update() {}

func (t *EncodedTicket) GrantingTicketID() string { return "" }

// 编译期检查
var (
	_ TicketGrantingTicket = (*TGT)(nil)
	_ TicketGrantingTicket = (*PGT)(nil)
	_ ServiceTicket        = (*ST)(nil)
	_ ServiceTicket        = (*PT)(nil)
	_ Ticket               = (*EncodedTicket)(nil)
)
