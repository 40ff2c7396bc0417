package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/media-pipeline/internal/api/handlers/media"
	"github.com/aliskhannn/media-pipeline/internal/api/handlers/upload"
	"github.com/aliskhannn/media-pipeline/internal/middleware"
)

func Setup(uh *upload.Handler, mh *media.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api/v1")

	uploads := api.Group("/uploads")
	uploads.POST("", uh.Init)                   // start a resumable upload session
	uploads.GET("/:id", uh.Status)              // session status with recorded parts
	uploads.GET("/:id/parts/:n", uh.PartTarget) // presigned URL for one part
	uploads.POST("/:id/parts/:n", uh.RecordPart)
	uploads.POST("/:id/complete", uh.Complete)
	uploads.POST("/:id/abort", uh.Abort)

	api.GET("/images/:id/transform", mh.Transform)       // cache-first resolve, redirects to CDN
	api.POST("/images/:id/transform", mh.TransformAsync) // background transform, returns task id
	api.GET("/files/:id", mh.GetFile)
	api.POST("/files/:id/thumbnails", mh.Thumbnails)
	api.GET("/tasks/:id", mh.TaskStatus)

	return r
}
