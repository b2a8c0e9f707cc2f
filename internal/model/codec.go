package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ticketRecord 票据的序列化格式
type ticketRecord struct {
	Kind             Kind            `json:"kind"`
	ID               string          `json:"id"`
	CreationTime     time.Time       `json:"creation_time"`
	LastTimeUsed     time.Time       `json:"last_time_used"`
	PreviousTimeUsed time.Time       `json:"previous_time_used"`
	CountOfUses      int             `json:"count_of_uses"`
	Expired          bool            `json:"expired,omitempty"`
	Policy           json.RawMessage `json:"expiration_policy,omitempty"`
	GrantingTicketID string          `json:"granting_ticket_id,omitempty"`

	// TGT / PGT
	Authentication       *Authentication    `json:"authentication,omitempty"`
	Services             map[string]Service `json:"services,omitempty"`
	ProxyGrantingTickets map[string]Service `json:"proxy_granting_tickets,omitempty"`
	ProxiedBy            *Service           `json:"proxied_by,omitempty"`

	// ST / PT
	Service              *Service `json:"service,omitempty"`
	FromNewLogin         bool     `json:"from_new_login,omitempty"`
	GrantedTicketAlready bool     `json:"granted_ticket_already,omitempty"`

	// 加密信封
	Payload    []byte        `json:"payload,omitempty"`
	TimeToLive time.Duration `json:"time_to_live,omitempty"`
}

func (t *ticketBase) recordLocked(kind Kind) (ticketRecord, error) {
	policy, err := MarshalPolicy(t.policy)
	if err != nil {
		return ticketRecord{}, err
	}
	return ticketRecord{
		Kind:             kind,
		ID:               t.id,
		CreationTime:     t.creationTime,
		LastTimeUsed:     t.lastTimeUsed,
		PreviousTimeUsed: t.previousTimeUsed,
		CountOfUses:      t.countOfUses,
		Expired:          t.expired,
		Policy:           policy,
	}, nil
}

func (t *ticketBase) restore(rec *ticketRecord) error {
	policy, err := UnmarshalPolicy(rec.Policy)
	if err != nil {
		return err
	}
	t.id = rec.ID
	t.creationTime = rec.CreationTime
	t.lastTimeUsed = rec.LastTimeUsed
	t.previousTimeUsed = rec.PreviousTimeUsed
	t.countOfUses = rec.CountOfUses
	t.expired = rec.Expired
	t.policy = policy
	return nil
}

func (t *TGT) record(kind Kind) (ticketRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, err := t.recordLocked(kind)
	if err != nil {
		return rec, err
	}
	rec.GrantingTicketID = t.grantingTicketID
	rec.Authentication = t.authentication
	rec.ProxiedBy = t.proxiedBy
	rec.Services = make(map[string]Service, len(t.services))
	for k, v := range t.services {
		rec.Services[k] = v
	}
	rec.ProxyGrantingTickets = make(map[string]Service, len(t.proxyGrantingTickets))
	for k, v := range t.proxyGrantingTickets {
		rec.ProxyGrantingTickets[k] = v
	}
	return rec, nil
}

func (t *TGT) restoreTGT(rec *ticketRecord) error {
	if err := t.restore(rec); err != nil {
		return err
	}
	t.grantingTicketID = rec.GrantingTicketID
	t.authentication = rec.Authentication
	t.proxiedBy = rec.ProxiedBy
	t.services = rec.Services
	if t.services == nil {
		t.services = make(map[string]Service)
	}
	t.proxyGrantingTickets = rec.ProxyGrantingTickets
	if t.proxyGrantingTickets == nil {
		t.proxyGrantingTickets = make(map[string]Service)
	}
	return nil
}

func (t *ST) record(kind Kind) (ticketRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, err := t.recordLocked(kind)
	if err != nil {
		return rec, err
	}
	svc := t.service
	rec.GrantingTicketID = t.grantingTicketID
	rec.Service = &svc
	rec.FromNewLogin = t.fromNewLogin
	rec.GrantedTicketAlready = t.grantedTicketAlready
	return rec, nil
}

func (t *ST) restoreST(rec *ticketRecord) error {
	if err := t.restore(rec); err != nil {
		return err
	}
	if rec.Service == nil {
		return fmt.Errorf("票据 %s 缺少服务", rec.ID)
	}
	t.grantingTicketID = rec.GrantingTicketID
	t.service = *rec.Service
	t.fromNewLogin = rec.FromNewLogin
	t.grantedTicketAlready = rec.GrantedTicketAlready
	return nil
}

// MarshalTicket 序列化票据
func MarshalTicket(t Ticket) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("票据为空")
	}

	var rec ticketRecord
	var err error
	switch t.Kind() {
	case KindTicketGrantingTicket:
		v, ok := t.(*TGT)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrTicketTypeMismatch, t)
		}
		rec, err = v.record(KindTicketGrantingTicket)
	case KindProxyGrantingTicket:
		v, ok := t.(*PGT)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrTicketTypeMismatch, t)
		}
		rec, err = v.record(KindProxyGrantingTicket)
	case KindServiceTicket:
		v, ok := t.(*ST)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrTicketTypeMismatch, t)
		}
		rec, err = v.record(KindServiceTicket)
	case KindProxyTicket:
		v, ok := t.(*PT)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrTicketTypeMismatch, t)
		}
		rec, err = v.record(KindProxyTicket)
	case KindEncoded:
		v, ok := t.(*EncodedTicket)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrTicketTypeMismatch, t)
		}
		rec = ticketRecord{Kind: KindEncoded, ID: v.id, CreationTime: v.creationTime, Payload: v.payload, TimeToLive: v.timeToLive}
	default:
		return nil, fmt.Errorf("未知的票据种类: %q", t.Kind())
	}
	if err != nil {
		return nil, fmt.Errorf("序列化票据 %s 失败: %w", t.ID(), err)
	}
	return json.Marshal(rec)
}

// UnmarshalTicket 按种类还原票据
func UnmarshalTicket(data []byte) (Ticket, error) {
	var rec ticketRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("解析票据失败: %w", err)
	}

	switch rec.Kind {
	case KindTicketGrantingTicket:
		t := &TGT{}
		if err := t.restoreTGT(&rec); err != nil {
			return nil, err
		}
		return t, nil
	case KindProxyGrantingTicket:
		t := &PGT{}
		if err := t.restoreTGT(&rec); err != nil {
			return nil, err
		}
		return t, nil
	case KindServiceTicket:
		t := &ST{}
		if err := t.restoreST(&rec); err != nil {
			return nil, err
		}
		return t, nil
	case KindProxyTicket:
		t := &PT{}
		if err := t.restoreST(&rec); err != nil {
			return nil, err
		}
		return t, nil
	case KindEncoded:
		return NewEncodedTicket(rec.ID, rec.Payload, rec.CreationTime, rec.TimeToLive), nil
	default:
		return nil, fmt.Errorf("未知的票据种类: %q", rec.Kind)
	}
}

// KindOfID 根据 ID 前缀推断票据种类
func KindOfID(id string) (Kind, bool) {
	for _, k := range []struct {
		prefix string
		kind   Kind
	}{
		// PGTIOU 不是票据，需先于 PGT 判断
		{PrefixProxyGrantingTicketIOU + "-", ""},
		{PrefixProxyGrantingTicket + "-", KindProxyGrantingTicket},
		{PrefixTicketGrantingTicket + "-", KindTicketGrantingTicket},
		{PrefixProxyTicket + "-", KindProxyTicket},
		{PrefixServiceTicket + "-", KindServiceTicket},
	} {
		if len(id) >= len(k.prefix) && id[:len(k.prefix)] == k.prefix {
			return k.kind, k.kind != ""
		}
	}
	return "", false
}
