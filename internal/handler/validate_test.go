package handler

import (
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeServiceResponse(t *testing.T, body []byte) ServiceResponse {
	t.Helper()
	var resp struct {
		ServiceResponse ServiceResponse `json:"serviceResponse"`
	}
	require.NoError(t, json.Unmarshal(body, &resp), string(body))
	return resp.ServiceResponse
}

func TestServiceValidate_XML(t *testing.T) {
	s := newTestServer(t)
	st := s.grantST(t, s.createTGT(t), appService)

	w := s.get(validateURL("/cas/serviceValidate", st, appService))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	body := w.Body.String()
	assert.Contains(t, body, `<cas:serviceResponse xmlns:cas="http://www.yale.edu/tp/cas">`)
	assert.Contains(t, body, "<cas:authenticationSuccess><cas:user>alice</cas:user>")
	assert.NotContains(t, body, "cas:attributes", "CAS 2.0 响应不携带属性")

	// 票据只能使用一次
	w = s.get(validateURL("/cas/serviceValidate", st, appService))
	assert.Contains(t, w.Body.String(), `<cas:authenticationFailure code="INVALID_TICKET">`)
}

func TestP3ServiceValidate_Attributes(t *testing.T) {
	s := newTestServer(t)
	st := s.grantST(t, s.createTGT(t), appService)

	w := s.get(validateURL("/cas/p3/serviceValidate", st, appService))
	body := w.Body.String()
	assert.Contains(t, body, "<cas:mail>alice@example.org</cas:mail>")
	assert.Contains(t, body, "<cas:isFromNewLogin>true</cas:isFromNewLogin>")
	assert.Contains(t, body, "<cas:authenticationDate>2026-01-01T08:00:00Z</cas:authenticationDate>")

	st = s.grantST(t, s.createTGT(t), appService)
	w = s.get(validateURL("/cas/p3/serviceValidate", st, appService, "format", "JSON"))
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	resp := decodeServiceResponse(t, w.Body.Bytes())
	require.NotNil(t, resp.Success)
	assert.Equal(t, "alice", resp.Success.User)
	assert.Equal(t, []string{"alice@example.org"}, resp.Success.Attributes["mail"])
	assert.Equal(t, []string{"false"}, resp.Success.Attributes["longTermAuthenticationRequestTokenUsed"])
}

func TestServiceValidate_Failures(t *testing.T) {
	s := newTestServer(t)
	tgtID := s.createTGT(t)

	tests := []struct {
		name   string
		target func() string
		code   string
	}{
		{"缺少参数", func() string { return "/cas/serviceValidate?ticket=ST-1" }, CodeInvalidRequest},
		{"票据不存在", func() string { return validateURL("/cas/serviceValidate", "ST-1-missing", appService) }, CodeInvalidTicket},
		{"服务不匹配", func() string {
			return validateURL("/cas/serviceValidate", s.grantST(t, tgtID, appService), "https://app.example.org/other")
		}, CodeInvalidService},
		{"服务未注册", func() string {
			return validateURL("/cas/serviceValidate", s.grantST(t, tgtID, appService), "https://evil.example.com/")
		}, CodeUnauthorizedService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.get(tt.target() + "&format=json")
			require.Equal(t, http.StatusOK, w.Code)
			resp := decodeServiceResponse(t, w.Body.Bytes())
			require.NotNil(t, resp.Failure, w.Body.String())
			assert.Equal(t, tt.code, resp.Failure.Code)
			assert.NotEmpty(t, resp.Failure.Description)
		})
	}
}

func TestProxyFlow(t *testing.T) {
	s := newTestServer(t)
	st := s.grantST(t, s.createTGT(t), appService)
	callback := s.receiver.server.URL + "/callback"

	w := s.get(validateURL("/cas/serviceValidate", st, appService, "pgtUrl", callback, "format", "json"))
	resp := decodeServiceResponse(t, w.Body.Bytes())
	require.NotNil(t, resp.Success, w.Body.String())
	iou := resp.Success.ProxyGrantingTicket
	assert.True(t, strings.HasPrefix(iou, "PGTIOU-"), iou)
	pgtID := s.receiver.pgt(iou)
	require.True(t, strings.HasPrefix(pgtID, "PGT-"), "回调地址应收到 PGT")

	w = s.get("/cas/proxy?pgt=" + pgtID + "&targetService=" + backendService)
	body := w.Body.String()
	require.Contains(t, body, "<cas:proxySuccess><cas:proxyTicket>PT-")
	var proxyResp struct {
		Success struct {
			ProxyTicket string `xml:"proxyTicket"`
		}           `xml:"proxySuccess"`
	}
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &proxyResp))
	pt := proxyResp.Success.ProxyTicket
	require.NotEmpty(t, pt)

	// proxyValidate 返回代理链
	w = s.get(validateURL("/cas/proxyValidate", pt, backendService, "format", "json"))
	resp = decodeServiceResponse(t, w.Body.Bytes())
	require.NotNil(t, resp.Success, w.Body.String())
	assert.Equal(t, "alice", resp.Success.User)
	assert.Equal(t, []string{appService}, resp.Success.Proxies)

	// 代理票据不能在 serviceValidate 上验证
	w = s.get("/cas/proxy?pgt=" + pgtID + "&targetService=" + backendService)
	proxyResp.Success.ProxyTicket = ""
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &proxyResp))
	w = s.get(validateURL("/cas/serviceValidate", proxyResp.Success.ProxyTicket, backendService))
	assert.Contains(t, w.Body.String(), `code="INVALID_TICKET"`)
}

func TestProxyValidate_Callback(t *testing.T) {
	s := newTestServer(t)
	tgtID := s.createTGT(t)

	t.Run("回调地址不在代理策略内", func(t *testing.T) {
		other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer other.Close()

		st := s.grantST(t, tgtID, appService)
		w := s.get(validateURL("/cas/proxyValidate", st, appService, "pgtUrl", other.URL+"/cb"))
		assert.Contains(t, w.Body.String(), `code="INVALID_PROXY_CALLBACK"`)
	})

	t.Run("票据无效", func(t *testing.T) {
		w := s.get(validateURL("/cas/proxyValidate", "ST-1-missing", appService, "pgtUrl", s.receiver.server.URL+"/cb"))
		assert.Contains(t, w.Body.String(), `code="INVALID_TICKET"`)
	})
}

func TestProxy_Failures(t *testing.T) {
	s := newTestServer(t)

	w := s.get("/cas/proxy?pgt=PGT-1-missing")
	assert.Contains(t, w.Body.String(), `<cas:proxyFailure code="INVALID_REQUEST">`)

	w = s.get("/cas/proxy?pgt=PGT-1-missing&targetService=" + backendService)
	assert.Contains(t, w.Body.String(), `<cas:proxyFailure code="BAD_PGT">`)
}
