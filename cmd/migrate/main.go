// Package main 数据库迁移工具
package main

import (
	"flag"
	"log"

	"github.com/pu-ac-cn/uac-cas/internal/config"
	"github.com/pu-ac-cn/uac-cas/internal/database"
	"gorm.io/gorm/schema"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "", "配置文件路径")
	flag.Parse()

	// 加载配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库连接
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()
	log.Println("数据库连接成功")

	log.Println("开始执行数据库迁移...")
	for _, m := range database.Models() {
		if err := database.AutoMigrate(m); err != nil {
			log.Fatalf("迁移失败: %v", err)
		}
		if t, ok := m.(schema.Tabler); ok {
			log.Printf("  - %s", t.TableName())
		}
	}
	log.Println("数据库迁移完成！")
}
