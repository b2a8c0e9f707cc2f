package model

// AttributeReleasePolicy 决定验证时向服务释放哪些主体属性
type AttributeReleasePolicy interface {
	GetAttributes(principal Principal) map[string][]string
}

// DenyAllAttributeReleasePolicy 不释放任何属性
type DenyAllAttributeReleasePolicy struct{}

func (DenyAllAttributeReleasePolicy) GetAttributes(Principal) map[string][]string {
	return map[string][]string{}
}

// ReturnAllAttributeReleasePolicy 释放全部属性
type ReturnAllAttributeReleasePolicy struct{}

func (ReturnAllAttributeReleasePolicy) GetAttributes(p Principal) map[string][]string {
	return copyAttributes(p.Attributes)
}

// ReturnAllowedAttributeReleasePolicy 只释放白名单中的属性
type ReturnAllowedAttributeReleasePolicy struct {
	Allowed []string
}

func (r ReturnAllowedAttributeReleasePolicy) GetAttributes(p Principal) map[string][]string {
	out := make(map[string][]string)
	for _, name := range r.Allowed {
		if v, ok := p.Attributes[name]; ok {
			out[name] = append([]string(nil), v...)
		}
	}
	return out
}

// ReturnMappedAttributeReleasePolicy 按映射重命名后释放，键为原属性名
type ReturnMappedAttributeReleasePolicy struct {
	Mapping map[string]string
}

func (r ReturnMappedAttributeReleasePolicy) GetAttributes(p Principal) map[string][]string {
	out := make(map[string][]string)
	for name, alias := range r.Mapping {
		if v, ok := p.Attributes[name]; ok {
			out[alias] = append([]string(nil), v...)
		}
	}
	return out
}
