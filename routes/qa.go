package routes

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/middleware"
	"docuquery-backend/models"
	"docuquery-backend/services"
	"docuquery-backend/utils"
)

// HandleAskQuestion answers a question against one document.
func HandleAskQuestion(docSvc *services.DocumentService, qaSvc *services.QAService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseDocumentID(c)
		if !ok {
			return
		}
		if _, ok := requireOwnedDocument(c, docSvc, id); !ok {
			return
		}

		var req models.QARequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid question payload", err.Error())
			return
		}

		resp, err := qaSvc.Ask(c.Request.Context(), id, middleware.UserID(c), req)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleSearchDocument runs a raw similarity search, no model call.
func HandleSearchDocument(docSvc *services.DocumentService, qaSvc *services.QAService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseDocumentID(c)
		if !ok {
			return
		}
		if _, ok := requireOwnedDocument(c, docSvc, id); !ok {
			return
		}

		var req models.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid search payload", err.Error())
			return
		}

		results, err := qaSvc.Search(c.Request.Context(), id, req)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		if results == nil {
			results = []models.SearchResult{}
		}
		c.JSON(http.StatusOK, gin.H{
			"document_id": id.Hex(),
			"results":     results,
		})
	}
}

// HandleQAHistory lists the caller's past questions on a document.
func HandleQAHistory(docSvc *services.DocumentService, qaSvc *services.QAService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseDocumentID(c)
		if !ok {
			return
		}
		if _, ok := requireOwnedDocument(c, docSvc, id); !ok {
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		history, err := qaSvc.History(c.Request.Context(), id, middleware.UserID(c), limit)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		if history == nil {
			history = []models.QAInteraction{}
		}
		c.JSON(http.StatusOK, gin.H{
			"document_id":  id.Hex(),
			"interactions": history,
		})
	}
}

// HandleRateInteraction sets the one-time rating on an answer.
func HandleRateInteraction(qaSvc *services.QAService) gin.HandlerFunc {
	return func(c *gin.Context) {
		interactionID, err := primitive.ObjectIDFromHex(c.Param("id"))
		if err != nil {
			utils.RespondWithBadRequest(c, "Invalid interaction id", nil)
			return
		}

		var req models.RatingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid rating payload", err.Error())
			return
		}

		if err := qaSvc.Rate(c.Request.Context(), interactionID, middleware.UserID(c), req); err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rated": interactionID.Hex()})
	}
}
