package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TicketState 过期判定所需的票据状态快照
type TicketState struct {
	CreationTime     time.Time
	LastTimeUsed     time.Time
	PreviousTimeUsed time.Time
	CountOfUses      int
	// Authentication 仅 TGT/PGT 携带
	Authentication *Authentication
}

// ExpirationPolicy 票据过期策略
// 传入 nil 状态一律视为已过期
type ExpirationPolicy interface {
	Name() string
	IsExpired(state *TicketState) bool
	// TimeToLive 最长存活时间，0 表示不限
	TimeToLive() time.Duration
	// TimeToIdle 最长空闲时间，0 表示不限
	TimeToIdle() time.Duration
}

// 过期策略名
const (
	PolicyNeverExpires           = "NEVER_EXPIRES"
	PolicyAlwaysExpires          = "ALWAYS_EXPIRES"
	PolicyTimeout                = "TIMEOUT"
	PolicyHardTimeout            = "HARD_TIMEOUT"
	PolicyTicketGrantingTicket   = "TICKET_GRANTING_TICKET"
	PolicyThrottledUseAndTimeout = "THROTTLED_USE_AND_TIMEOUT"
	PolicyMultiTimeUseOrTimeout  = "MULTI_TIME_USE_OR_TIMEOUT"
	PolicyRememberMeDelegating   = "REMEMBER_ME_DELEGATING"
)

// NeverExpiresExpirationPolicy 永不过期
type NeverExpiresExpirationPolicy struct{}

func (NeverExpiresExpirationPolicy) Name() string { return PolicyNeverExpires }

func (NeverExpiresExpirationPolicy) IsExpired(state *TicketState) bool { return state == nil }

func (NeverExpiresExpirationPolicy) TimeToLive() time.Duration { return 0 }

func (NeverExpiresExpirationPolicy) TimeToIdle() time.Duration { return 0 }

// AlwaysExpiresExpirationPolicy 总是过期
type AlwaysExpiresExpirationPolicy struct{}

func (AlwaysExpiresExpirationPolicy) Name() string { return PolicyAlwaysExpires }

func (AlwaysExpiresExpirationPolicy) IsExpired(*TicketState) bool { return true }

func (AlwaysExpiresExpirationPolicy) TimeToLive() time.Duration { return 0 }

func (AlwaysExpiresExpirationPolicy) TimeToIdle() time.Duration { return 0 }

// TimeoutExpirationPolicy 自最后一次使用起超过 TimeToKill 即过期
type TimeoutExpirationPolicy struct {
	TimeToKill time.Duration `json:"time_to_kill"`
}

func (p *TimeoutExpirationPolicy) Name() string { return PolicyTimeout }

func (p *TimeoutExpirationPolicy) IsExpired(state *TicketState) bool {
	return state == nil || !Now().Before(state.LastTimeUsed.Add(p.TimeToKill))
}

func (p *TimeoutExpirationPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p *TimeoutExpirationPolicy) TimeToIdle() time.Duration { return p.TimeToKill }

// HardTimeoutExpirationPolicy 自创建起超过 TimeToKill 即过期，不受使用影响
type HardTimeoutExpirationPolicy struct {
	TimeToKill time.Duration `json:"time_to_kill"`
}

func (p *HardTimeoutExpirationPolicy) Name() string { return PolicyHardTimeout }

func (p *HardTimeoutExpirationPolicy) IsExpired(state *TicketState) bool {
	return state == nil || state.CreationTime.Add(p.TimeToKill).Before(Now())
}

func (p *HardTimeoutExpirationPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p *HardTimeoutExpirationPolicy) TimeToIdle() time.Duration { return 0 }

// TicketGrantingTicketExpirationPolicy 最长存活 + 空闲超时
type TicketGrantingTicketExpirationPolicy struct {
	MaxTimeToLive time.Duration `json:"max_time_to_live"`
	TimeToKill    time.Duration `json:"time_to_kill"`
}

func (p *TicketGrantingTicketExpirationPolicy) Name() string { return PolicyTicketGrantingTicket }

func (p *TicketGrantingTicketExpirationPolicy) IsExpired(state *TicketState) bool {
	if state == nil {
		return true
	}
	now := Now()
	if !now.Before(state.CreationTime.Add(p.MaxTimeToLive)) {
		return true
	}
	return !now.Before(state.LastTimeUsed.Add(p.TimeToKill))
}

func (p *TicketGrantingTicketExpirationPolicy) TimeToLive() time.Duration { return p.MaxTimeToLive }

func (p *TicketGrantingTicketExpirationPolicy) TimeToIdle() time.Duration { return p.TimeToKill }

// ThrottledUseAndTimeoutExpirationPolicy 空闲超时，且两次使用间隔不得小于 TimeInBetweenUses
type ThrottledUseAndTimeoutExpirationPolicy struct {
	TimeInBetweenUses time.Duration `json:"time_in_between_uses"`
	TimeToKill        time.Duration `json:"time_to_kill"`
}

func (p *ThrottledUseAndTimeoutExpirationPolicy) Name() string { return PolicyThrottledUseAndTimeout }

func (p *ThrottledUseAndTimeoutExpirationPolicy) IsExpired(state *TicketState) bool {
	if state == nil {
		return true
	}
	now := Now()
	killTime := state.LastTimeUsed.Add(p.TimeToKill)
	if !now.Before(killTime) {
		return true
	}
	// 间隔只在两次真实使用之间计算，创建到首次使用不算
	if state.CountOfUses < 2 {
		return false
	}
	return !state.LastTimeUsed.After(state.PreviousTimeUsed.Add(p.TimeInBetweenUses))
}

func (p *ThrottledUseAndTimeoutExpirationPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p *ThrottledUseAndTimeoutExpirationPolicy) TimeToIdle() time.Duration { return 0 }

// MultiTimeUseOrTimeoutExpirationPolicy 使用次数达到上限或自创建起超时即过期
type MultiTimeUseOrTimeoutExpirationPolicy struct {
	NumberOfUses int           `json:"number_of_uses"`
	TimeToKill   time.Duration `json:"time_to_kill"`
}

// NewMultiTimeUseOrTimeoutExpirationPolicy 次数必须为正
func NewMultiTimeUseOrTimeoutExpirationPolicy(numberOfUses int, timeToKill time.Duration) (*MultiTimeUseOrTimeoutExpirationPolicy, error) {
	if numberOfUses <= 0 {
		return nil, fmt.Errorf("使用次数必须大于 0: %d", numberOfUses)
	}
	if timeToKill <= 0 {
		return nil, fmt.Errorf("超时时间必须大于 0: %s", timeToKill)
	}
	return &MultiTimeUseOrTimeoutExpirationPolicy{NumberOfUses: numberOfUses, TimeToKill: timeToKill}, nil
}

func (p *MultiTimeUseOrTimeoutExpirationPolicy) Name() string { return PolicyMultiTimeUseOrTimeout }

func (p *MultiTimeUseOrTimeoutExpirationPolicy) IsExpired(state *TicketState) bool {
	if state == nil || state.CountOfUses >= p.NumberOfUses {
		return true
	}
	return !Now().Before(state.CreationTime.Add(p.TimeToKill))
}

func (p *MultiTimeUseOrTimeoutExpirationPolicy) TimeToLive() time.Duration { return p.TimeToKill }

func (p *MultiTimeUseOrTimeoutExpirationPolicy) TimeToIdle() time.Duration { return 0 }

// RememberMeDelegatingExpirationPolicy 按认证中的“记住我”属性选择策略
type RememberMeDelegatingExpirationPolicy struct {
	RememberMe ExpirationPolicy
	Session    ExpirationPolicy
}

func (p *RememberMeDelegatingExpirationPolicy) Name() string { return PolicyRememberMeDelegating }

func (p *RememberMeDelegatingExpirationPolicy) delegate(state *TicketState) ExpirationPolicy {
	if state != nil && state.Authentication.IsRememberMe() {
		return p.RememberMe
	}
	return p.Session
}

func (p *RememberMeDelegatingExpirationPolicy) IsExpired(state *TicketState) bool {
	if state == nil {
		return true
	}
	return p.delegate(state).IsExpired(state)
}

// TimeToLive 取两者中较长的一个，注册表据此设置存储过期时间
func (p *RememberMeDelegatingExpirationPolicy) TimeToLive() time.Duration {
	return maxDuration(p.RememberMe.TimeToLive(), p.Session.TimeToLive())
}

func (p *RememberMeDelegatingExpirationPolicy) TimeToIdle() time.Duration {
	return maxDuration(p.RememberMe.TimeToIdle(), p.Session.TimeToIdle())
}

func maxDuration(a, b time.Duration) time.Duration {
	// 0 表示不限
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		return a
	}
	return b
}

// policyEnvelope 过期策略的多态序列化格式
type policyEnvelope struct {
	Type   string          `json:"@type"`
	Policy json.RawMessage `json:"policy,omitempty"`
}

type rememberMePolicyJSON struct {
	RememberMe json.RawMessage `json:"remember_me"`
	Session    json.RawMessage `json:"session"`
}

// MarshalPolicy 序列化过期策略
func MarshalPolicy(p ExpirationPolicy) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("过期策略为空")
	}
	var body []byte
	var err error
	switch v := p.(type) {
	case NeverExpiresExpirationPolicy, AlwaysExpiresExpirationPolicy:
	case *RememberMeDelegatingExpirationPolicy:
		var rm rememberMePolicyJSON
		if rm.RememberMe, err = MarshalPolicy(v.RememberMe); err != nil {
			return nil, err
		}
		if rm.Session, err = MarshalPolicy(v.Session); err != nil {
			return nil, err
		}
		body, err = json.Marshal(rm)
	default:
		body, err = json.Marshal(v)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(policyEnvelope{Type: p.Name(), Policy: body})
}

// UnmarshalPolicy 按类型标记还原过期策略
func UnmarshalPolicy(data []byte) (ExpirationPolicy, error) {
	var env policyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析过期策略失败: %w", err)
	}

	var target ExpirationPolicy
	switch env.Type {
	case PolicyNeverExpires:
		return NeverExpiresExpirationPolicy{}, nil
	case PolicyAlwaysExpires:
		return AlwaysExpiresExpirationPolicy{}, nil
	case PolicyTimeout:
		target = &TimeoutExpirationPolicy{}
	case PolicyHardTimeout:
		target = &HardTimeoutExpirationPolicy{}
	case PolicyTicketGrantingTicket:
		target = &TicketGrantingTicketExpirationPolicy{}
	case PolicyThrottledUseAndTimeout:
		target = &ThrottledUseAndTimeoutExpirationPolicy{}
	case PolicyMultiTimeUseOrTimeout:
		target = &MultiTimeUseOrTimeoutExpirationPolicy{}
	case PolicyRememberMeDelegating:
		var rm rememberMePolicyJSON
		if err := json.Unmarshal(env.Policy, &rm); err != nil {
			return nil, fmt.Errorf("解析过期策略失败: %w", err)
		}
		rememberMe, err := UnmarshalPolicy(rm.RememberMe)
		if err != nil {
			return nil, err
		}
		session, err := UnmarshalPolicy(rm.Session)
		if err != nil {
			return nil, err
		}
		return &RememberMeDelegatingExpirationPolicy{RememberMe: rememberMe, Session: session}, nil
	default:
		return nil, fmt.Errorf("未知的过期策略类型: %q", env.Type)
	}
	if err := json.Unmarshal(env.Policy, target); err != nil {
		return nil, fmt.Errorf("解析过期策略失败: %w", err)
	}
	return target, nil
}
