package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/database"
	"github.com/pu-ac-cn/uac-cas/internal/redis"
	"github.com/pu-ac-cn/uac-cas/internal/repository"
)

// 清空票据注册表，并可选地重建 CAS 相关表
// 用法：
//
//	go run ./cmd/resetdb -force
//
// 可选参数：
//
//	-tables    同时删除并重建数据库表（默认 false，只清空票据）
//	-force     必须为 true 才会执行（安全开关）
func main() {
	tables := flag.Bool("tables", false, "是否删除并重建数据库表")
	force := flag.Bool("force", false, "确认执行清空操作")
	flag.Parse()

	if !*force {
		log.Fatal("为避免误操作，请加上 -force 参数：go run ./cmd/resetdb -force")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	if err := purgeTickets(&cfg.Registry, &cfg.Redis); err != nil {
		log.Fatalf("清空票据失败: %v", err)
	}

	if *tables {
		if err := database.DropAll(); err != nil {
			log.Fatalf("删除表失败: %v", err)
		}
		fmt.Println("已删除 CAS 相关表")
		if err := database.AutoMigrate(); err != nil {
			log.Fatalf("创建表失败: %v", err)
		}
		fmt.Println("已重建 CAS 相关表")
	}

	fmt.Println("完成。")
}

// purgeTickets 内存注册表随进程消失，无需清理
func purgeTickets(cfg *config.RegistryConfig, redisCfg *config.RedisConfig) error {
	var store repository.TicketStore
	switch cfg.Type {
	case "", "memory":
		fmt.Println("内存注册表无需清空")
		return nil
	case "redis":
		if err := redis.Init(redisCfg); err != nil {
			return err
		}
		defer redis.Close()
		store = repository.NewRedisTicketStore(redis.GetClient(), cfg.KeyPrefix)
	case "gorm":
		store = repository.NewGormTicketStore(database.GetDB())
	case "leveldb":
		s, err := repository.NewLevelDBTicketStore(cfg.LevelDBPath, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	case "sqlite":
		s, err := repository.NewSQLiteTicketStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	default:
		return fmt.Errorf("不支持的票据存储类型: %s", cfg.Type)
	}

	// 只删除数据，不需要解密
	n, err := repository.NewTicketRegistry(store, nil, nil).DeleteAll(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("已删除票据: %d\n", n)
	return nil
}
