package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"go.uber.org/zap"
)

// AccessRuleQuery 服务访问规则的查询，规则模块需定义 package cas.access
const AccessRuleQuery = "data.cas.access.allow"

// AuditableContext 访问策略执行上下文，字段均可为空
type AuditableContext struct {
	Service           *model.Service
	RegisteredService *model.RegisteredService
	Authentication    *model.Authentication
	Principal         *model.Principal
}

// AuditableExecutionResult 访问策略执行结果
type AuditableExecutionResult struct {
	RegisteredService *model.RegisteredService
	Err               error
}

// IsExecutionFailure 是否被拒绝
func (r *AuditableExecutionResult) IsExecutionFailure() bool {
	return r.Err != nil
}

// ThrowExceptionIfNeeded 被拒绝时返回拒绝原因
func (r *AuditableExecutionResult) ThrowExceptionIfNeeded() error {
	return r.Err
}

// AuditableExecution 执行访问策略，判断与副作用分离
type AuditableExecution interface {
	Execute(ctx context.Context, actx *AuditableContext) *AuditableExecutionResult
}

// RegisteredServiceAccessStrategyEnforcer 已注册服务访问策略
// 依次检查：服务存在且启用、主体属性、rego 访问规则
type RegisteredServiceAccessStrategyEnforcer struct {
	rules  *RegoAccessEvaluator
	logger *zap.Logger
}

// NewRegisteredServiceAccessStrategyEnforcer 创建访问策略执行器
func NewRegisteredServiceAccessStrategyEnforcer(rules *RegoAccessEvaluator, logger *zap.Logger) *RegisteredServiceAccessStrategyEnforcer {
	if rules == nil {
		rules = NewRegoAccessEvaluator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegisteredServiceAccessStrategyEnforcer{rules: rules, logger: logger}
}

func (e *RegisteredServiceAccessStrategyEnforcer) Execute(ctx context.Context, actx *AuditableContext) *AuditableExecutionResult {
	rs := actx.RegisteredService
	result := &AuditableExecutionResult{RegisteredService: rs}
	deny := func(err error) *AuditableExecutionResult {
		fields := []zap.Field{zap.Error(err)}
		if actx.Service != nil {
			fields = append(fields, zap.String("service", actx.Service.ID))
		}
		if p := actx.principal(); p != nil {
			fields = append(fields, zap.String("principal", p.ID))
		}
		e.logger.Info("服务访问被拒绝", fields...)
		result.Err = err
		return result
	}

	if rs == nil {
		return deny(ErrUnauthorizedService)
	}
	if !rs.IsServiceAccessAllowed() {
		return deny(fmt.Errorf("%w: %s 已停用", ErrUnauthorizedService, rs.Name))
	}
	principal := actx.principal()
	if principal == nil {
		return result
	}
	if !rs.DoPrincipalAttributesAllowServiceAccess(principal.Attributes) {
		return deny(ErrPrincipalAttributesDenied)
	}
	if rs.AccessRule != "" {
		allowed, err := e.rules.Allow(ctx, rs, actx)
		if err != nil {
			e.logger.Warn("访问规则执行失败", zap.String("registered_service", rs.Name), zap.Error(err))
			return deny(fmt.Errorf("%w: 访问规则执行失败", ErrUnauthorizedService))
		}
		if !allowed {
			return deny(ErrPrincipalAttributesDenied)
		}
	}
	return result
}

func (c *AuditableContext) principal() *model.Principal {
	if c.Principal != nil {
		return c.Principal
	}
	if c.Authentication != nil {
		return &c.Authentication.Principal
	}
	return nil
}

// RegoAccessEvaluator 编译并缓存服务的 rego 访问规则
type RegoAccessEvaluator struct {
	mu    sync.Mutex
	cache map[string]rego.PreparedEvalQuery
}

// NewRegoAccessEvaluator 创建规则执行器
func NewRegoAccessEvaluator() *RegoAccessEvaluator {
	return &RegoAccessEvaluator{cache: make(map[string]rego.PreparedEvalQuery)}
}

// Allow 规则结果必须为 true 才允许访问
func (r *RegoAccessEvaluator) Allow(ctx context.Context, rs *model.RegisteredService, actx *AuditableContext) (bool, error) {
	query, err := r.prepare(ctx, rs.AccessRule)
	if err != nil {
		return false, err
	}
	results, err := query.Eval(ctx, rego.EvalInput(accessInput(rs, actx)))
	if err != nil {
		return false, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, errors.New("访问规则结果不是布尔值")
	}
	return allowed, nil
}

func (r *RegoAccessEvaluator) prepare(ctx context.Context, module string) (rego.PreparedEvalQuery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.cache[module]; ok {
		return q, nil
	}
	q, err := rego.New(
		rego.Query(AccessRuleQuery),
		rego.Module("access.rego", module),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("编译访问规则失败: %w", err)
	}
	r.cache[module] = q
	return q, nil
}

func accessInput(rs *model.RegisteredService, actx *AuditableContext) map[string]any {
	input := map[string]any{
		"registered_service": map[string]any{
			"id":         rs.ID,
			"name":       rs.Name,
			"properties": map[string]string(rs.Properties),
		},
	}
	if actx.Service != nil {
		input["service"] = actx.Service.ID
	}
	if p := actx.principal(); p != nil {
		input["principal"] = map[string]any{
			"id":         p.ID,
			"attributes": p.Attributes,
		}
	}
	if actx.Authentication != nil {
		input["authentication"] = map[string]any{
			"attributes": actx.Authentication.Attributes,
			"date":       actx.Authentication.AuthenticationDate.Unix(),
		}
	}
	return input
}
