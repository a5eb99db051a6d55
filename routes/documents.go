package routes

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/ai"
	"docuquery-backend/middleware"
	"docuquery-backend/models"
	"docuquery-backend/services"
	"docuquery-backend/utils"
)

// parseDocumentID pulls and validates the :id path parameter. On failure it
// writes the error response and returns false.
func parseDocumentID(c *gin.Context) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		utils.RespondWithBadRequest(c, "Invalid document id", nil)
		return primitive.NilObjectID, false
	}
	return id, true
}

// requireOwnedDocument loads the document and enforces ownership. Documents
// belonging to someone else read as not found.
func requireOwnedDocument(c *gin.Context, svc *services.DocumentService, id primitive.ObjectID) (*models.Document, bool) {
	doc, err := svc.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return nil, false
	}
	if doc.OwnerID != middleware.UserID(c) {
		utils.RespondWithNotFound(c, "Document not found")
		return nil, false
	}
	return doc, true
}

// respondServiceError maps service sentinels onto HTTP responses.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		utils.RespondWithNotFound(c, "Document not found")
	case errors.Is(err, services.ErrDocumentNotReady):
		utils.RespondWithNotReady(c, "Document is not ready for querying")
	case errors.Is(err, services.ErrAlreadyProcessing):
		utils.RespondWithConflict(c, "already_processing", "Document is already being processed")
	case errors.Is(err, services.ErrNotReprocessable):
		utils.RespondWithConflict(c, "not_reprocessable", "Only completed or failed documents can be reprocessed")
	case errors.Is(err, services.ErrAlreadyRated):
		utils.RespondWithConflict(c, "already_rated", "This answer has already been rated")
	case errors.Is(err, services.ErrQueueFull):
		utils.RespondWithError(c, http.StatusServiceUnavailable, "queue_full",
			"Processing queue is full, try again later", nil)
	case isProviderError(err):
		utils.RespondWithError(c, http.StatusServiceUnavailable, "provider_unavailable",
			"Model provider is unavailable, try again later", nil)
	default:
		utils.RespondWithInternalError(c, "Request failed", nil)
	}
}

func isProviderError(err error) bool {
	var pe *ai.ProviderError
	return errors.As(err, &pe)
}

// HandleUploadDocument accepts a multipart upload and queues it for
// processing. The response carries the pending document record.
func HandleUploadDocument(svc *services.DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			utils.RespondWithBadRequest(c, "No file provided", nil)
			return
		}
		defer file.Close()

		var tags []string
		if raw := strings.TrimSpace(c.PostForm("tags")); raw != "" {
			for _, tag := range strings.Split(raw, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					tags = append(tags, tag)
				}
			}
		}

		doc, err := svc.Upload(c.Request.Context(), &services.UploadRequest{
			OwnerID: middleware.UserID(c),
			Title:   c.PostForm("title"),
			Tags:    tags,
			File:    file,
			Header:  header,
		})
		if err != nil {
			if doc != nil {
				// Stored but not queued; the record is pending and can be
				// reprocessed.
				respondServiceError(c, err)
				return
			}
			utils.RespondWithBadRequest(c, err.Error(), nil)
			return
		}

		c.JSON(http.StatusAccepted, doc.StatusResponse())
	}
}

// HandleListDocuments returns the caller's documents, newest first.
func HandleListDocuments(svc *services.DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		docs, total, err := svc.List(c.Request.Context(), middleware.UserID(c), limit, offset)
		if err != nil {
			respondServiceError(c, err)
			return
		}

		items := make([]models.DocumentStatusResponse, len(docs))
		for i := range docs {
			items[i] = docs[i].StatusResponse()
		}

		c.JSON(http.StatusOK, gin.H{
			"documents": items,
			"total":     total,
		})
	}
}

// HandleGetDocument returns one document's status record.
func HandleGetDocument(svc *services.DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseDocumentID(c)
		if !ok {
			return
		}
		doc, ok := requireOwnedDocument(c, svc, id)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, doc.StatusResponse())
	}
}

// HandleReprocessDocument resets a terminal document and queues a fresh
// processing run.
func HandleReprocessDocument(svc *services.DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseDocumentID(c)
		if !ok {
			return
		}
		if _, ok := requireOwnedDocument(c, svc, id); !ok {
			return
		}

		if err := svc.Reprocess(c.Request.Context(), id); err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"document_id": id.Hex(),
			"status":      models.StatusPending,
		})
	}
}

// HandleDeleteDocument removes a document and everything derived from it.
func HandleDeleteDocument(svc *services.DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseDocumentID(c)
		if !ok {
			return
		}
		if _, ok := requireOwnedDocument(c, svc, id); !ok {
			return
		}

		if err := svc.Delete(c.Request.Context(), id); err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": id.Hex()})
	}
}

// HandleDocumentStats reports the document record plus its index footprint.
func HandleDocumentStats(svc *services.DocumentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseDocumentID(c)
		if !ok {
			return
		}
		if _, ok := requireOwnedDocument(c, svc, id); !ok {
			return
		}

		stats, err := svc.Stats(c.Request.Context(), id)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
