// 管理本地账户的工具：创建、重置密码、启用禁用、分配与撤销角色
// 角色代码作为 memberOf 属性释放给服务
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/database"
	"github.com/pu-ac-cn/uac-cas/internal/model"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
	"github.com/pu-ac-cn/uac-cas/internal/service"
)

func main() {
	username := flag.String("username", "", "用户名（必填）")
	email := flag.String("email", "", "邮箱（新建时必填）")
	password := flag.String("password", "", "密码（新建时必填，也可通过 CAS_USER_PASSWORD 传入）")
	displayName := flag.String("display-name", "", "显示名称")
	roles := flag.String("roles", "", "角色代码，逗号分隔")
	revoke := flag.String("revoke", "", "撤销的角色代码，逗号分隔")
	unlock := flag.Bool("unlock", false, "清除已存在账户的登录失败计数")
	resetPassword := flag.Bool("reset-password", false, "把已存在账户的密码改为 -password")
	oldPassword := flag.String("old-password", "", "重置密码时校验旧密码，留空则直接重置")
	disable := flag.Bool("disable", false, "禁用账户")
	enable := flag.Bool("enable", false, "启用账户")
	list := flag.Bool("list", false, "列出账户与角色后退出")
	status := flag.String("status", "", "配合 -list 按状态过滤")
	flag.Parse()

	if *disable && *enable {
		log.Fatal("-disable 与 -enable 不能同时使用")
	}
	if *username == "" && !*list {
		fmt.Println("用法: create-user -username <用户名> -email <邮箱> -password <密码> [-roles admin,staff] [-revoke guest]")
		fmt.Println("      create-user -list [-status disabled]")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *password == "" {
		*password = os.Getenv("CAS_USER_PASSWORD")
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
	db := database.GetDB()
	accounts := service.NewAccountService(
		repository.NewUserRepository(db),
		repository.NewRoleRepository(db),
		repository.NewUserRoleRepository(db),
	)

	if *list {
		listAccounts(ctx, accounts, *status)
		return
	}

	user, err := accounts.GetByUsername(ctx, *username)
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		user = &model.User{Username: *username, Email: *email, DisplayName: *displayName}
		if err := accounts.Create(ctx, user, *password); err != nil {
			log.Fatalf("创建用户失败: %v", err)
		}
		fmt.Printf("已创建用户 %s (%s)\n", user.Username, user.ID)
	case err != nil:
		log.Fatalf("查询用户失败: %v", err)
	default:
		fmt.Printf("用户 %s 已存在\n", user.Username)
		if *unlock {
			if err := accounts.Unlock(ctx, user.ID); err != nil {
				log.Fatalf("解除锁定失败: %v", err)
			}
			fmt.Println("已清除登录失败计数")
		}
		if *resetPassword {
			if *oldPassword != "" {
				err = accounts.ChangePassword(ctx, user.ID, *oldPassword, *password)
			} else {
				err = accounts.ResetPassword(ctx, user.ID, *password)
			}
			if err != nil {
				log.Fatalf("重置密码失败: %v", err)
			}
			fmt.Println("密码已更新")
		}
	}

	switch {
	case *disable:
		if err := accounts.SetStatus(ctx, user.ID, model.StatusDisabled); err != nil {
			log.Fatalf("禁用账户失败: %v", err)
		}
		fmt.Println("账户已禁用")
	case *enable:
		if err := accounts.SetStatus(ctx, user.ID, model.StatusActive); err != nil {
			log.Fatalf("启用账户失败: %v", err)
		}
		fmt.Println("账户已启用")
	}

	if *roles != "" || *revoke != "" {
		if *roles != "" {
			if err := accounts.AssignRoles(ctx, user.ID, strings.Split(*roles, ",")...); err != nil {
				log.Fatalf("分配角色失败: %v", err)
			}
		}
		if *revoke != "" {
			if err := accounts.RevokeRoles(ctx, user.ID, strings.Split(*revoke, ",")...); err != nil {
				log.Fatalf("撤销角色失败: %v", err)
			}
		}
		assigned, err := accounts.RoleCodes(ctx, user.ID)
		if err != nil {
			log.Fatalf("查询角色失败: %v", err)
		}
		fmt.Printf("当前角色: %s\n", strings.Join(assigned, ", "))
	}
}

func listAccounts(ctx context.Context, accounts service.AccountService, status string) {
	users, total, err := accounts.List(ctx, status, nil)
	if err != nil {
		log.Fatalf("查询用户失败: %v", err)
	}
	fmt.Printf("共 %d 个账户\n", total)
	for _, u := range users {
		codes, err := accounts.RoleCodes(ctx, u.ID)
		if err != nil {
			log.Fatalf("查询角色失败: %v", err)
		}
		locked := ""
		if u.IsLocked() {
			locked = " (已锁定)"
		}
		fmt.Printf("  %-20s %-30s %-10s %s%s\n", u.Username, u.Email, u.Status, strings.Join(codes, ","), locked)
	}

	roles, err := accounts.ListRoles(ctx)
	if err != nil {
		log.Fatalf("查询角色失败: %v", err)
	}
	codes := make([]string, 0, len(roles))
	for _, r := range roles {
		codes = append(codes, r.Code)
	}
	fmt.Printf("已定义角色: %s\n", strings.Join(codes, ", "))
}
