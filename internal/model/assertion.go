package model

// Assertion 服务票据验证结果
type Assertion struct {
	// PrimaryAuthentication 链路起点，即根 TGT 的认证
	PrimaryAuthentication *Authentication `json:"primary_authentication"`
	// ChainedAuthentications 从当前票据的上级到根 TGT 依次排列
	ChainedAuthentications []*Authentication   `json:"chained_authentications"`
	Service                Service             `json:"service"`
	FromNewLogin           bool                `json:"from_new_login"`
	ReleasedAttributes     map[string][]string `json:"released_attributes"`
	// ProxyChain 代理链上各服务，按由近及远排列
	ProxyChain        []Service          `json:"proxy_chain,omitempty"`
	RegisteredService *RegisteredService `json:"-"`
}

// Principal 主认证的主体
func (a *Assertion) Principal() Principal {
	if a == nil || a.PrimaryAuthentication == nil {
		return Principal{}
	}
	return a.PrimaryAuthentication.Principal
}

// IsRememberMe 主认证是否为“记住我”会话
func (a *Assertion) IsRememberMe() bool {
	return a != nil && a.PrimaryAuthentication.IsRememberMe()
}
