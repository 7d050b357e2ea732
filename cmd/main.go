package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/api"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/db"
	"github.com/myysophia/coursevm-backend/internal/logger"
	"github.com/myysophia/coursevm-backend/internal/upload"
	"github.com/myysophia/coursevm-backend/internal/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "coursevm",
		Short:        "课程虚拟机镜像上传与下载服务",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "配置文件或目录 (默认只使用内置默认值和 COURSEVM_ 环境变量)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(assembleCmd(&configPath))
	rootCmd.AddCommand(checksumCmd(&configPath))
	rootCmd.AddCommand(importCmd(&configPath))
	rootCmd.AddCommand(cleanupCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))
	return rootCmd
}

// withConfig 每个子命令都需要配置、日志和数据库，命令结束后关闭数据库
func withConfig(configPath *string, run func(cmd *cobra.Command, cfg *config.Config) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := bootstrap(cmd.Context(), *configPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("关闭数据库连接失败", zap.Error(err))
			}
			_ = logger.Sync()
		}()
		return run(cmd, cfg)
	}
}

// bootstrap 加载配置、初始化日志和数据库并执行迁移
func bootstrap(ctx context.Context, configPath string) (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := logger.InitLogger(&cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志系统失败: %w", err)
	}
	logger.Info("配置加载成功", zap.String("env", cfg.App.Env), zap.String("db", cfg.Database.Driver))

	if err := cfg.Upload.CheckDirs(); err != nil {
		return nil, err
	}
	if err := db.Init(&cfg.Database); err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}
	if err := db.Migrate(ctx, db.GetDB(), cfg.Database.Driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return cfg, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		RunE: withConfig(configPath, func(cmd *cobra.Command, cfg *config.Config) error {
			return serve(cmd.Context(), cfg)
		}),
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.JWT.SecretKey == "" {
		return errors.New("jwt.secret_key 不能为空")
	}
	if cfg.App.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := utils.InitValidator(); err != nil {
		return err
	}

	conn := db.GetDB()
	resolver := auth.NewTeacherResolver(conn)
	svc := upload.NewService(&cfg.Upload, conn, resolver, upload.NewManager(time.Minute))
	repo := catalog.NewRepository(conn)

	router := api.SetupRouter(api.Deps{
		Config:   cfg,
		Uploads:  svc,
		Status:   upload.NewStatusProbe(svc.Layout(), repo, cfg.Upload.StaleAfter),
		Catalog:  repo,
		Resolver: resolver,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.App.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.App.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.App.IdleTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP服务器启动成功", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 等待退出信号
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP服务器启动失败: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("正在关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
		return err
	}

	logger.Info("服务器已安全关闭")
	return nil
}

func tokenCmd(configPath *string) *cobra.Command {
	var uid, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发会话令牌，用于 SSO 网关和调试",
		RunE: withConfig(configPath, func(cmd *cobra.Command, cfg *config.Config) error {
			if role != auth.RoleTeacher && role != auth.RoleStudent {
				return fmt.Errorf("未知角色: %s", role)
			}
			token, err := auth.GenerateToken(uid, role, &cfg.JWT)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}),
	}
	cmd.Flags().StringVar(&uid, "uid", "", "用户标识 (必填)")
	cmd.Flags().StringVar(&role, "role", auth.RoleTeacher, "角色: teacher 或 student")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}
