package routes

import (
	"github.com/gin-gonic/gin"

	"docuquery-backend/middleware"
	"docuquery-backend/services"
)

// SetupDocumentRoutes registers the document lifecycle endpoints.
func SetupDocumentRoutes(router *gin.Engine, auth *middleware.AuthMiddleware, docSvc *services.DocumentService) {
	docs := router.Group("/api/documents")
	docs.Use(auth.RequireAuth())
	{
		docs.POST("", HandleUploadDocument(docSvc))
		docs.GET("", HandleListDocuments(docSvc))
		docs.GET("/:id", HandleGetDocument(docSvc))
		docs.GET("/:id/stats", HandleDocumentStats(docSvc))
		docs.POST("/:id/reprocess", HandleReprocessDocument(docSvc))
		docs.DELETE("/:id", HandleDeleteDocument(docSvc))
	}
}

// SetupQARoutes registers question answering, search, history and rating.
func SetupQARoutes(router *gin.Engine, auth *middleware.AuthMiddleware, docSvc *services.DocumentService, qaSvc *services.QAService) {
	docs := router.Group("/api/documents")
	docs.Use(auth.RequireAuth())
	{
		docs.POST("/:id/qa", HandleAskQuestion(docSvc, qaSvc))
		docs.POST("/:id/search", HandleSearchDocument(docSvc, qaSvc))
		docs.GET("/:id/qa/history", HandleQAHistory(docSvc, qaSvc))
	}

	qa := router.Group("/api/qa")
	qa.Use(auth.RequireAuth())
	{
		qa.POST("/:id/rating", HandleRateInteraction(qaSvc))
	}
}
