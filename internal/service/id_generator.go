package service

import (
	"crypto/rand"
	"encoding/base32"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// DefaultRandomLength 随机部分的默认长度
const DefaultRandomLength = 50

// UniqueTicketIDGenerator 票据 ID 生成器
type UniqueTicketIDGenerator interface {
	NewTicketID(prefix string) string
}

var randomEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// hostNameTicketIDGenerator 生成 <prefix>-<序号>-<随机串>-<主机名> 格式的 ID
// 主机名后缀保证集群内不同节点互不冲突，不会回查注册表
type hostNameTicketIDGenerator struct {
	counter      atomic.Uint64
	randomLength int
	suffix       string
}

// NewTicketIDGenerator 创建 ID 生成器
// hostName 为空时取本机主机名，randomLength <= 0 时使用默认长度
func NewTicketIDGenerator(hostName string, randomLength int) UniqueTicketIDGenerator {
	if hostName == "" {
		hostName, _ = os.Hostname()
	}
	if randomLength <= 0 {
		randomLength = DefaultRandomLength
	}
	g := &hostNameTicketIDGenerator{randomLength: randomLength}
	if hostName = sanitizeHostName(hostName); hostName != "" {
		g.suffix = "-" + hostName
	}
	return g
}

func (g *hostNameTicketIDGenerator) NewTicketID(prefix string) string {
	n := g.counter.Add(1)
	var sb strings.Builder
	sb.Grow(len(prefix) + g.randomLength + len(g.suffix) + 24)
	sb.WriteString(prefix)
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatUint(n, 10))
	sb.WriteByte('-')
	sb.WriteString(randomString(g.randomLength))
	sb.WriteString(g.suffix)
	return sb.String()
}

// randomString 生成 base32 字母表的随机串
func randomString(length int) string {
	buf := make([]byte, (length*5+7)/8)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand 不可用: " + err.Error())
	}
	return randomEncoding.EncodeToString(buf)[:length]
}

// sanitizeHostName 去掉域名部分，只保留 ID 中允许的字符
func sanitizeHostName(host string) string {
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return -1
	}, host)
}
