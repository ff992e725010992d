// 手动导入考试题库
//
// 服务启动时会导入 catalog.dir 下新增的考试（catalog.import_on_boot），
// 已存在的考试不会被覆盖。此脚本用于强制替换已有考试，
// 替换会重建题目，请在没有进行中作答时执行。
//
// 用法: go run scripts/import_catalog.go [-force] [-dir configs/exams]

package main

import (
	"flag"
	"log"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/repository"
	"exam_session_engine/internal/service"
	"exam_session_engine/pkg/database"
	"exam_session_engine/pkg/logger"
)

func main() {
	force := flag.Bool("force", false, "替换已存在的考试")
	dir := flag.String("dir", "", "题库目录，默认取配置 catalog.dir")
	flag.Parse()

	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	cfg.ForceMigrate = true
	if *dir == "" {
		*dir = cfg.Catalog.Dir
	}
	if *dir == "" {
		*dir = "configs/exams"
	}

	logger.InitLogger(cfg)

	db, err := database.InitDB(cfg)
	if err != nil {
		log.Fatalf("数据库连接失败: %v", err)
	}

	repo := repository.NewExamRepository(db)
	catalog := service.NewCatalogService(repo, service.NewExamService(repo))

	log.Printf("导入题库 %s (force=%v)...", *dir, *force)
	res, err := catalog.ImportDir(*dir, *force)
	if err != nil {
		log.Fatalf("导入失败: %v", err)
	}
	log.Printf("完成！导入 %d 个，跳过 %d 个", len(res.Imported), len(res.Skipped))
}
