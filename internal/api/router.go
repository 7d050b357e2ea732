package api

import (
	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/api/handlers"
	"github.com/myysophia/coursevm-backend/internal/api/middleware"
	"github.com/myysophia/coursevm-backend/internal/auth"
	"github.com/myysophia/coursevm-backend/internal/catalog"
	"github.com/myysophia/coursevm-backend/internal/config"
	"github.com/myysophia/coursevm-backend/internal/upload"
)

// Deps 路由依赖
type Deps struct {
	Config   *config.Config
	Uploads  *upload.Service
	Status   *upload.StatusProbe
	Catalog  *catalog.Repository
	Resolver auth.PrincipalResolver
}

// SetupRouter 设置路由
func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()

	router.Use(
		middleware.RecoveryMiddleware(),
		middleware.LoggerMiddleware(),
		middleware.CorsMiddleware(d.Config.App.AllowOrigins),
	)

	authHandler := handlers.NewAuthHandler(d.Resolver)
	flowHandler := handlers.NewFlowHandler(d.Uploads)
	progressHandler := handlers.NewProgressHandler(d.Uploads.Progress())
	statusHandler := handlers.NewStatusHandler(d.Status, d.Config.Upload.StatusInterval)
	catalogHandler := handlers.NewCatalogHandler(d.Catalog)

	jwtCfg := &d.Config.JWT

	// 目录浏览，登录用户可以看到受限的记录
	public := router.Group("/api")
	public.Use(middleware.OptionalAuthMiddleware(jwtCfg))
	{
		public.GET("/vm", catalogHandler.ListVM)
		public.GET("/usb", catalogHandler.ListUSB)
		public.GET("/file/:id", catalogHandler.Get)
	}

	authorized := router.Group("/api")
	authorized.Use(middleware.AuthMiddleware(jwtCfg))
	{
		authorized.GET("/user/current", authHandler.GetCurrentUser)

		files := authorized.Group("/file")
		files.Use(middleware.TeacherOnly())
		{
			files.GET("/upload", flowHandler.RequestPermission)
			files.GET("/flow", flowHandler.CheckChunk)
			files.POST("/flow", flowHandler.AcceptChunk)

			// 所有者修改目录记录
			files.GET("/schema", catalogHandler.Schema)
			files.PUT("/:id", catalogHandler.Update)
		}

		// 上传后的处理状态和进度推送
		flows := files.Group("/flow/:flowid")
		flows.Use(
			middleware.SSEMiddleware(),
			middleware.HTTP1OnlyMiddleware(),
			middleware.NoBufferMiddleware(),
		)
		{
			flows.GET("/progress", progressHandler.GetProgress)
			flows.GET("/progress/stream", progressHandler.StreamProgress)
			flows.GET("/stream", statusHandler.Stream)
		}
	}

	return router
}
