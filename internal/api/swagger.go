package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/taoyao-code/wake-gateway/docs"
)

// RegisterSwagger 挂载接口文档：/swagger/index.html 与 /swagger/doc.json（不走认证）
func RegisterSwagger(r gin.IRoutes) {
	docs.SwaggerInfo.BasePath = "/"
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}
