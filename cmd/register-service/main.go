// 按名称新增或更新已注册服务的工具
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/database"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"github.com/pu-ac-cn/uac-cas/internal/service"
)

func main() {
	name := flag.String("name", "", "服务名称（必填，按名称更新已存在的服务）")
	pattern := flag.String("pattern", "", "服务地址正则（必填）")
	order := flag.Int("order", 0, "匹配顺序，越小越优先")
	release := flag.String("release", model.ReleaseDenyAll, "属性释放策略: deny_all、return_all、return_allowed、return_mapped")
	allowed := flag.String("allowed", "", "允许释放的属性，逗号分隔")
	proxy := flag.String("proxy", "", "允许的代理回调地址正则，空表示拒绝代理")
	logoutURL := flag.String("logout-url", "", "单点注销通知地址，默认使用服务地址")
	noSSO := flag.Bool("no-sso", false, "不参与单点登录")
	jwtTicket := flag.Bool("jwt", false, "以 JWT 代替服务票据")
	mfa := flag.String("mfa", "", "要求的多因素认证提供者，逗号分隔")
	ruleFile := flag.String("rule", "", "rego 访问规则文件")
	disable := flag.Bool("disable", false, "停用服务")
	flag.Parse()

	if *name == "" || *pattern == "" {
		fmt.Println("用法: register-service -name <名称> -pattern <正则> [选项]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if _, err := regexp.Compile(*pattern); err != nil {
		log.Fatalf("服务地址正则无效: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	repo := repository.NewRegisteredServiceRepository(database.GetDB())
	manager := service.NewServicesManager(repo, nil)

	svc, err := repo.GetByName(ctx, *name)
	switch {
	case errors.Is(err, repository.ErrServiceNotFound):
		svc = model.NewRegisteredService(*name, *pattern)
	case err != nil:
		log.Fatalf("查询服务失败: %v", err)
	}

	svc.ServiceID = *pattern
	svc.EvaluationOrder = *order
	svc.ReleasePolicy = *release
	svc.AllowedAttributes = splitList(*allowed)
	svc.ProxyPolicy = *proxy
	svc.LogoutURL = *logoutURL
	svc.SSOEnabled = !*noSSO
	svc.JWTAsServiceTicket = *jwtTicket
	svc.MFAProviders = splitList(*mfa)
	svc.Status = model.StatusActive
	if *disable {
		svc.Status = model.StatusDisabled
	}
	if *ruleFile != "" {
		rule, err := os.ReadFile(*ruleFile)
		if err != nil {
			log.Fatalf("读取访问规则失败: %v", err)
		}
		svc.AccessRule = string(rule)
	}

	if err := manager.Save(ctx, svc); err != nil {
		log.Fatalf("保存服务失败: %v", err)
	}
	fmt.Printf("已保存服务 %s (%s): %s\n", svc.Name, svc.ID, svc.ServiceID)
}

func splitList(s string) model.StringSlice {
	var out model.StringSlice
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
